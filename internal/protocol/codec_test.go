package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
	}{
		{name: "合法登录消息", line: `{"fun":110,"cabinetId":"CAB001","signal":"1f","model":"CAB-12"}`},
		{name: "合法库存上报", line: `{"fun":120,"cabinetId":"CAB001","slots":[{"slot":"01","powerBankId":"PB001","battery":90}]}`},
		{name: "非JSON", line: `hello world`, wantErr: true},
		{name: "缺少fun", line: `{"cabinetId":"CAB001"}`, wantErr: true},
		{name: "缺少cabinetId", line: `{"fun":110}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.line))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, m.CabinetID)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	out := &Message{Fun: FunRent, CabinetID: "CAB001", Slot: "03", OrderID: "ORD001"}
	b, err := Encode(out)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), b[len(b)-1])

	in, err := Decode(b[:len(b)-1])
	require.NoError(t, err)
	assert.Equal(t, out.Fun, in.Fun)
	assert.Equal(t, out.OrderID, in.OrderID)
}

func TestParseSlot(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "01", want: 1},
		{in: "12", want: 12},
		{in: " 05 ", want: 5},
		{in: "", wantErr: true},
		{in: "00", wantErr: true},
		{in: "100", wantErr: true},
		{in: "ab", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSlot(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "slot %q", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestFormatSlot(t *testing.T) {
	assert.Equal(t, "01", FormatSlot(1))
	assert.Equal(t, "12", FormatSlot(12))
}

func TestParseSignal(t *testing.T) {
	v, ok := ParseSignal("1f")
	assert.True(t, ok)
	assert.Equal(t, int32(31), v)

	v, ok = ParseSignal("0x0A")
	assert.True(t, ok)
	assert.Equal(t, int32(10), v)

	_, ok = ParseSignal("")
	assert.False(t, ok)
	_, ok = ParseSignal("zz")
	assert.False(t, ok)
}

type nopResponder struct{}

func (nopResponder) WriteMessage(*Message) error { return nil }

func TestRouterDispatch(t *testing.T) {
	r := NewRouter(zap.NewNop())

	var handled []int
	r.Register(FunLogin, func(ctx context.Context, conn Responder, m *Message) error {
		handled = append(handled, m.Fun)
		return nil
	})

	routed := 0
	unknown := 0
	r.SetMetricsCallbacks(func(int) { routed++ }, func() { unknown++ })

	r.Dispatch(context.Background(), nopResponder{}, &Message{Fun: FunLogin, CabinetID: "CAB001"})
	assert.Equal(t, []int{FunLogin}, handled)
	assert.Equal(t, 1, routed)

	// 未知功能码：丢弃并计数，不panic
	r.Dispatch(context.Background(), nopResponder{}, &Message{Fun: 999, CabinetID: "CAB001"})
	assert.Equal(t, 1, unknown)
}

func TestRouterRecoversPanic(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(FunReturn, func(ctx context.Context, conn Responder, m *Message) error {
		panic("boom")
	})
	assert.NotPanics(t, func() {
		r.Dispatch(context.Background(), nopResponder{}, &Message{Fun: FunReturn, CabinetID: "CAB001"})
	})
}

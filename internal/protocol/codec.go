package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 帧格式：每行一个扁平 JSON 对象，换行符 '\n' 结尾。
// TCP 层负责按行切分，这里只做对象级编解码与基础校验。

var (
	// ErrMalformed JSON 解析失败或缺少必要字段
	ErrMalformed = errors.New("malformed message")
)

// Decode 解析单行上行消息并做基础校验
func Decode(line []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Fun <= 0 {
		return nil, fmt.Errorf("%w: missing fun", ErrMalformed)
	}
	if m.CabinetID == "" {
		return nil, fmt.Errorf("%w: missing cabinetId", ErrMalformed)
	}
	return &m, nil
}

// Encode 序列化下行消息，附带换行帧尾
func Encode(m *Message) ([]byte, error) {
	if m == nil || m.Fun <= 0 {
		return nil, ErrMalformed
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

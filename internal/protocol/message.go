package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// 功能码（厂商协议固定编号，上下行共用）
const (
	FunLogin          = 110 // 机柜上线登录（柜→服）
	FunOffline        = 111 // 机柜主动离线通知（柜→服）
	FunQueryInventory = 120 // 库存查询（服→柜请求 / 柜→服应答）
	FunRent           = 130 // 弹出租借（服→柜指令 / 柜→服结果）
	FunReturn         = 131 // 归还插入（柜→服）
	FunForceEject     = 132 // 强制弹出单仓（服→柜 / 应答）
	FunFullEject      = 133 // 整柜弹出（服→柜 / 应答）
	FunRestart        = 140 // 重启（服→柜 / 应答）
)

// 应答状态码（status 字段，厂商约定字符串）
const (
	StatusOK   = "1"
	StatusFail = "0"
)

// FunName 返回功能码可读名称（日志/指标标签用）
func FunName(fun int) string {
	switch fun {
	case FunLogin:
		return "login"
	case FunOffline:
		return "offline"
	case FunQueryInventory:
		return "inventory"
	case FunRent:
		return "rent"
	case FunReturn:
		return "return"
	case FunForceEject:
		return "force_eject"
	case FunFullEject:
		return "full_eject"
	case FunRestart:
		return "restart"
	default:
		return fmt.Sprintf("fun_%d", fun)
	}
}

// SlotState 库存上报中的单个仓位条目
type SlotState struct {
	Slot        string `json:"slot"`        // 两位补零仓位号，如 "01"
	PowerBankID string `json:"powerBankId"` // 电池厂商编号
	Battery     int    `json:"battery"`     // 电量 0-100
}

// Message 设备通道消息：扁平记录，按 fun 决定生效字段。
// 所有消息必须携带 fun 与 cabinetId。
type Message struct {
	Fun       int    `json:"fun"`
	CabinetID string `json:"cabinetId"`

	// 按功能码选用的字段
	Slot        string      `json:"slot,omitempty"`        // 两位补零仓位号
	PowerBankID string      `json:"powerBankId,omitempty"` // 电池厂商编号
	Battery     int         `json:"battery,omitempty"`     // 电量 0-100
	Status      string      `json:"status,omitempty"`      // "1"=成功 "0"=失败
	Signal      string      `json:"signal,omitempty"`      // 信号强度，十六进制字符串
	ICCID       string      `json:"iccid,omitempty"`       // 物联网卡号
	Model       string      `json:"model,omitempty"`       // 机柜型号
	OrderID     string      `json:"orderId,omitempty"`     // 租借订单号（RENT 关联）
	Slots       []SlotState `json:"slots,omitempty"`       // 库存上报条目
}

// OK 应答是否成功
func (m *Message) OK() bool { return m.Status == StatusOK }

// FormatSlot 仓位号转两位补零字符串
func FormatSlot(no int) string { return fmt.Sprintf("%02d", no) }

// ParseSlot 解析补零仓位号；非法返回错误
func ParseSlot(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty slot")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad slot %q: %w", s, err)
	}
	if n <= 0 || n > 99 {
		return 0, fmt.Errorf("slot %d out of range", n)
	}
	return n, nil
}

// ParseSignal 解析十六进制信号强度，如 "1f" -> 31；非法返回 false
func ParseSignal(s string) (int32, bool) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 16, 32)
	if err != nil || v < 0 {
		return 0, false
	}
	return int32(v), true
}

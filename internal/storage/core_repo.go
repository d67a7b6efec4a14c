package storage

import (
	"context"
	"errors"
	"time"

	"github.com/taoyao-code/cabinet-server/internal/storage/models"
)

// ErrNotFound 记录不存在。实现层必须把各自驱动的 not-found 错误翻译为本错误，
// 上层统一用 errors.Is(err, ErrNotFound) 判断。
var ErrNotFound = errors.New("record not found")

// CoreRepo 面向“设备通信与对账核心”的存储抽象。
// 约束：
// - 核心组件禁止直接写 SQL，统一通过本接口访问
// - 实现需要提供事务封装 WithTx，保证核心路径原子性
// - 接口必须保持 DB-agnostic（面向模型与基础类型），以便测试使用 sqlite 实现
type CoreRepo interface {
	// ---------- 事务 ----------
	// WithTx 在单个事务中执行 fn，fn 内使用 repo 执行的所有读写都在同一事务中。
	// 实现应保证嵌套调用正确复用当前事务。
	WithTx(ctx context.Context, fn func(repo CoreRepo) error) error

	// ---------- 机柜 ----------
	// EnsureCabinet 若 vendorID 不存在则创建（初始 OFFLINE），返回机柜记录
	EnsureCabinet(ctx context.Context, vendorID string) (*models.Cabinet, error)
	// UpsertCabinetOnline LOGIN 路径：置 ONLINE、刷新 last_seen_at 与厂商元数据
	UpsertCabinetOnline(ctx context.Context, vendorID string, at time.Time, signal *int32, iccid, model *string) (*models.Cabinet, error)
	// SetCabinetStatus 仅更新状态
	SetCabinetStatus(ctx context.Context, vendorID string, status string) error
	// TouchCabinetLastSeen 刷新 last_seen_at（机柜不存在时创建）
	TouchCabinetLastSeen(ctx context.Context, vendorID string, at time.Time) error
	// GetCabinetByVendorID 通过厂商编号查询机柜
	GetCabinetByVendorID(ctx context.Context, vendorID string) (*models.Cabinet, error)
	// ListCabinets 分页列表（管理/调试）
	ListCabinets(ctx context.Context, limit, offset int) ([]models.Cabinet, error)
	// MarkStaleCabinetsOffline 将 ONLINE/MAINTENANCE 且 last_seen_at 为空或早于 cutoff
	// 的机柜置为 OFFLINE，返回被转换机柜的厂商编号
	MarkStaleCabinetsOffline(ctx context.Context, cutoff time.Time) ([]string, error)
	// ListExpiringCabinets 返回 ONLINE 且 last_seen_at 早于 cutoff 的机柜（预警用）
	ListExpiringCabinets(ctx context.Context, cutoff time.Time) ([]models.Cabinet, error)

	// ---------- 仓位 ----------
	// UpsertSlot 仓位懒创建：(cabinetID, slotNo) 不存在则插入
	UpsertSlot(ctx context.Context, cabinetID int64, slotNo int32) (*models.Slot, error)
	// ListSlots 机柜的全部仓位
	ListSlots(ctx context.Context, cabinetID int64) ([]models.Slot, error)

	// ---------- 充电宝 ----------
	// GetPowerBankBySerial 通过厂商编号查询
	GetPowerBankBySerial(ctx context.Context, serial string) (*models.PowerBank, error)
	// GetPowerBankBySlot 查询占用指定仓位的充电宝
	GetPowerBankBySlot(ctx context.Context, slotID int64) (*models.PowerBank, error)
	// CreatePowerBank 新建充电宝记录
	CreatePowerBank(ctx context.Context, pb *models.PowerBank) error
	// AttachPowerBank 绑定到仓位并更新电量/状态
	AttachPowerBank(ctx context.Context, pbID int64, slotID int64, battery int32, status string) error
	// DetachPowerBank 从仓位脱离并更新状态（租借/强制弹出）
	DetachPowerBank(ctx context.Context, pbID int64, status string) error
	// UpdatePowerBankBattery 仅更新电量
	UpdatePowerBankBattery(ctx context.Context, pbID int64, battery int32) error
	// ListPowerBanksByCabinet 机柜内全部在仓充电宝
	ListPowerBanksByCabinet(ctx context.Context, cabinetID int64) ([]models.PowerBank, error)

	// ---------- 租借单 ----------
	// CreateRental 创建租借单
	CreateRental(ctx context.Context, r *models.Rental) error
	// GetRentalByOrderNo 通过订单号查询
	GetRentalByOrderNo(ctx context.Context, orderNo string) (*models.Rental, error)
	// FindActiveRentalByPowerBank 查询充电宝的 ACTIVE 租借单（至多一条）
	FindActiveRentalByPowerBank(ctx context.Context, pbID int64) (*models.Rental, error)
	// ActivateRental 租借生效：绑定充电宝、置 ACTIVE、记录借出时间
	ActivateRental(ctx context.Context, orderNo string, pbID int64, at time.Time) error
	// CompleteRental 归还完结：置 COMPLETED、记录归还机柜与时间
	CompleteRental(ctx context.Context, rentalID int64, returnCabinetID int64, at time.Time) error
	// ListRentalsByCabinet 借出机柜维度的租借单列表
	ListRentalsByCabinet(ctx context.Context, cabinetID int64, limit int) ([]models.Rental, error)

	// ---------- 指令日志 ----------
	// AppendCommandLog 追加一条上下行指令日志
	AppendCommandLog(ctx context.Context, log *models.CommandLog) error
	// ListRecentCommandLogs 读取机柜最近的日志
	ListRecentCommandLogs(ctx context.Context, cabinetID int64, limit int) ([]models.CommandLog, error)
}

package models

import (
	"time"
)

// 注意：
// - 不使用 gorm.Model，显式声明每个字段，避免隐式 DeletedAt
// - 机柜/充电宝的厂商编号（VendorID/Serial）为全局唯一业务键，内部主键仅作关联

// 机柜状态
const (
	CabinetOnline       = "ONLINE"
	CabinetOffline      = "OFFLINE"
	CabinetMaintenance  = "MAINTENANCE"
	CabinetOutOfService = "OUT_OF_SERVICE"
)

// 充电宝状态
const (
	PowerBankAvailable   = "AVAILABLE"
	PowerBankCharging    = "CHARGING"
	PowerBankRented      = "RENTED"
	PowerBankLost        = "LOST"
	PowerBankDamaged     = "DAMAGED"
	PowerBankMaintenance = "MAINTENANCE"
)

// 租借单状态
const (
	RentalActive    = "ACTIVE"
	RentalCompleted = "COMPLETED"
	RentalOverdue   = "OVERDUE"
	RentalLost      = "LOST"
	RentalCancelled = "CANCELLED"
)

// Cabinet 映射 cabinets 表
type Cabinet struct {
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// 厂商机柜唯一编号
	VendorID string `gorm:"column:vendor_id;type:text;not null;uniqueIndex"`
	// 展示名称/位置，可空
	Name    *string `gorm:"column:name;type:text"`
	Address *string `gorm:"column:address;type:text"`
	// 状态：ONLINE/OFFLINE/MAINTENANCE/OUT_OF_SERVICE
	Status string `gorm:"column:status;type:text;not null;default:OFFLINE;index"`
	// 最近一次上行（LOGIN/心跳/库存上报）
	LastSeenAt *time.Time `gorm:"column:last_seen_at"`
	// 信号强度，可空
	SignalStrength *int32 `gorm:"column:signal_strength"`
	// 厂商元数据
	ICCID *string `gorm:"column:iccid;type:text"`
	Model *string `gorm:"column:model;type:text"`
	// 审计字段
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Cabinet) TableName() string { return "cabinets" }

// Slot 映射 slots 表（机柜内仓位，(cabinet_id, slot_no) 唯一）
type Slot struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	CabinetID int64     `gorm:"column:cabinet_id;not null;uniqueIndex:uk_slot_cab_no,priority:1"`
	SlotNo    int32     `gorm:"column:slot_no;not null;uniqueIndex:uk_slot_cab_no,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Slot) TableName() string { return "slots" }

// PowerBank 映射 power_banks 表。
// 核心不变量：status=RENTED ⇔ 存在 ACTIVE 租借单引用 ⇔ slot_id 为空。
type PowerBank struct {
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// 厂商电池唯一编号（跨机柜全局唯一）
	Serial string `gorm:"column:serial;type:text;not null;uniqueIndex"`
	// 电量 0-100
	BatteryLevel int32 `gorm:"column:battery_level;not null;default:0"`
	// 状态：AVAILABLE/CHARGING/RENTED/LOST/DAMAGED/MAINTENANCE
	Status string `gorm:"column:status;type:text;not null;default:AVAILABLE;index"`
	// 当前所在仓位；租借中为 NULL
	SlotID    *int64    `gorm:"column:slot_id;uniqueIndex"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (PowerBank) TableName() string { return "power_banks" }

// Rental 映射 rentals 表（一次借出，从弹出到归还/丢失）
type Rental struct {
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// 业务订单号（租借发起方生成）
	OrderNo string `gorm:"column:order_no;type:text;not null;uniqueIndex"`
	// 用户由租借 API 填充；核心路径允许为空（仅设备侧事件驱动时）
	UserID      *int64 `gorm:"column:user_id"`
	PowerBankID int64  `gorm:"column:power_bank_id;not null;index"`
	// 借出机柜与归还机柜（可能不同）
	CabinetID       int64  `gorm:"column:cabinet_id;not null"`
	ReturnCabinetID *int64 `gorm:"column:return_cabinet_id"`
	// 状态：ACTIVE/COMPLETED/OVERDUE/LOST/CANCELLED
	Status     string     `gorm:"column:status;type:text;not null;default:ACTIVE;index"`
	RentedAt   time.Time  `gorm:"column:rented_at;not null"`
	ReturnedAt *time.Time `gorm:"column:returned_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Rental) TableName() string { return "rentals" }

// CommandLog 映射 command_log 表（上下行指令日志）
type CommandLog struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CabinetID int64  `gorm:"column:cabinet_id;not null;index:idx_cmdlog_cab_time,priority:1"`
	Fun       int32  `gorm:"column:fun;not null"`
	Direction int16  `gorm:"column:direction;not null"` // 0=UP, 1=DOWN
	Payload   []byte `gorm:"column:payload"`
	Success   *bool  `gorm:"column:success"`
	// 下行指令关联 ID（uuid），用于对账
	CorrelationID *string   `gorm:"column:correlation_id;type:text"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime;index:idx_cmdlog_cab_time,priority:2,sort:desc"`
}

func (CommandLog) TableName() string { return "command_log" }

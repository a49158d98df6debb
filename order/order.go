package order

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("order not found")

// Header 对应 order_header 表，一次成功的下单流程只创建一条
type Header struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          int64           `gorm:"not null;index" json:"userId"`
	ShippingName    string          `gorm:"type:varchar(64)" json:"shippingName"`
	ShippingAddress string          `gorm:"type:varchar(255)" json:"shippingAddress"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"totalAmount"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"createdAt"`

	Lines []Line `gorm:"foreignKey:OrderID" json:"lines,omitempty"`
}

func (Header) TableName() string {
	return "order_header"
}

// Line 对应 order_line 表，是下单时商品名称和单价的快照，商品后续改价不会影响它
type Line struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID     int64           `gorm:"not null;index" json:"orderId"`
	ProductID   int64           `gorm:"not null" json:"productId"`
	ProductName string          `gorm:"type:varchar(128)" json:"productName"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"unitPrice"`
	Quantity    int             `gorm:"not null" json:"quantity"`
}

func (Line) TableName() string {
	return "order_line"
}

package product

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidCount      = errors.New("count must be positive")
	// ErrOperationRevoked 表示该操作号已经被回补（或预先作废），迟到的扣减不再生效
	ErrOperationRevoked = errors.New("stock operation already revoked")
)

// SentinelID 是兜底商品的保留 ID，真实商品的 ID 永远大于 0
const SentinelID int64 = -1

// Product 对应 product 表
type Product struct {
	ID    int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Name  string          `gorm:"type:varchar(128);not null" json:"name"`
	Price decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	Stock int             `gorm:"not null;default:0" json:"stock"`
}

func (Product) TableName() string {
	return "product"
}

// Sentinel 返回远程调用失败时的兜底商品。
// 它的价格为 0，绝对不能用来计费。
func Sentinel() Product {
	return Product{
		ID:    SentinelID,
		Name:  "Product Not Found",
		Price: decimal.Zero,
		Stock: 0,
	}
}

// IsSentinel 判断是否为兜底商品
func (p Product) IsSentinel() bool {
	return p.ID == SentinelID
}

// Lookup 是一次远程商品查询的结果：要么 Found，要么 Unavailable。
// 用带标签的结果代替魔法 ID，调用方必须显式处理“不可用”。
type Lookup struct {
	product *Product
	cause   error
}

func Found(p Product) Lookup {
	return Lookup{product: &p}
}

func Unavailable(cause error) Lookup {
	if cause == nil {
		cause = ErrNotFound
	}
	return Lookup{cause: cause}
}

// Product 返回查询到的商品，ok 为 false 表示商品不可用
func (l Lookup) Product() (Product, bool) {
	if l.product == nil {
		return Product{}, false
	}
	return *l.product, true
}

// Cause 返回不可用的原因，Found 时为 nil
func (l Lookup) Cause() error {
	return l.cause
}

// OrSentinel 兼容旧的兜底约定：不可用时返回 Sentinel()
func (l Lookup) OrSentinel() Product {
	if p, ok := l.Product(); ok {
		return p
	}
	return Sentinel()
}

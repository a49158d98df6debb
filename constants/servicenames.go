package constants

// 定义所有微服务的标准服务名
// 这些名称将用于服务注册、服务发现、日志记录和监控等场景
const (
	OrderService   = "service-order"
	ProductService = "service-product"
)

const (
	// ProductService Paths
	ProductGetPath          = "/api/product/{id}"
	ProductStockDeductPath  = "/api/product/stock/deduct"
	ProductStockRestorePath = "/api/product/stock/restore"

	// OrderService Paths
	OrderCreatePath = "/order/create"
	OrderGetPath    = "/order/{id}"
	OrderConfigPath = "/config"

	HealthPath = "/healthz"
)

// Kafka topics，由 order-service 通过事务发件箱发出
const (
	TopicOrderCreated      = "order.created"
	TopicOrderInconsistent = "order.inconsistent"
)

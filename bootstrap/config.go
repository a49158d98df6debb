package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"github.com/rainyctl/rainy-cloud/logger"
	"gopkg.in/yaml.v3"
)

const (
	infraDataID = "rainy-infra.yaml"
	appDataID   = "rainy-app.yaml"

	// localConfigEnv 设置后进入本地模式：从单个 YAML 文件读取配置，不连接 Nacos
	localConfigEnv = "RAINY_CONFIG_PATH"
)

type InfraConfig struct {
	Mysql struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addrs string `yaml:"addrs"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers string `yaml:"brokers"`
	} `yaml:"kafka"`
	Jaeger struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"jaeger"`
	Zookeeper struct {
		Addrs string `yaml:"addrs"`
	} `yaml:"zookeeper"`
}

// AppConfig 存放业务逻辑配置
type AppConfig struct {
	OrderService struct {
		Timeout         int    `yaml:"timeout"`
		AutoConfirm     bool   `yaml:"autoConfirm"`
		ShippingName    string `yaml:"shippingName"`
		ShippingAddress string `yaml:"shippingAddress"`
		// SimulateCrash 在库存扣减后注入一次故障，用来演示补偿
		SimulateCrash bool `yaml:"simulateCrash"`
	} `yaml:"orderService"`

	ProductLookup struct {
		Attempts           int    `yaml:"attempts"`
		TimeoutMs          int    `yaml:"timeoutMs"`
		BackoffMs          int    `yaml:"backoffMs"`
		BreakerFailures    uint32 `yaml:"breakerFailures"`
		BreakerOpenSeconds int    `yaml:"breakerOpenSeconds"`
	} `yaml:"productLookup"`

	ProductService struct {
		// StockBackend: mysql | redis
		StockBackend string `yaml:"stockBackend"`
	} `yaml:"productService"`

	Outbox struct {
		IntervalMs        int `yaml:"intervalMs"`
		BatchSize         int `yaml:"batchSize"`
		MaxRetries        int `yaml:"maxRetries"`
		RetryAfterSeconds int `yaml:"retryAfterSeconds"`
	} `yaml:"outbox"`

	Idempotency struct {
		TTLSeconds int `yaml:"ttlSeconds"`
	} `yaml:"idempotency"`

	// Services 是本地模式下的静态服务地址表，key 为服务名，value 为 host:port
	Services map[string]string `yaml:"services"`
}

// Config 是整个应用唯一的全局配置入口
type Config struct {
	Infra InfraConfig `yaml:"infra"`
	App   AppConfig   `yaml:"app"`
}

var (
	// 全局配置实例
	GlobalConfig = new(Config)
	// 用于保护全局配置的读写
	configLock = new(sync.RWMutex)
	// Nacos 配置客户端，本地模式下为 nil
	nacosConfigClient config_client.IConfigClient

	nacosServerAddrs string
	nacosNamespace   string
	nacosGroup       string
)

// IsLocalMode 报告是否从本地文件加载配置
func IsLocalMode() bool {
	return getEnv(localConfigEnv, "") != ""
}

// Init 是应用启动的第一步，负责加载所有配置
func Init() error {
	if path := getEnv(localConfigEnv, ""); path != "" {
		cfg, err := LoadFile(path)
		if err != nil {
			return err
		}
		configLock.Lock()
		*GlobalConfig = cfg
		configLock.Unlock()
		logger.Logger.Info().Str("path", path).Msg("✅ configuration loaded from local file")
		return nil
	}

	// 1. 获取最基础的引导配置 (Nacos地址)
	nacosServerAddrs = getEnv("NACOS_SERVER_ADDRS", "localhost:8848")
	nacosNamespace = getEnv("NACOS_NAMESPACE", "")
	nacosGroup = getEnv("NACOS_GROUP", "DEFAULT_GROUP")

	// 2. 创建 Nacos 客户端配置
	serverConfigs, err := createNacosServerConfigs(nacosServerAddrs)
	if err != nil {
		return errors.Wrap(err, "invalid nacos server address")
	}
	clientConfig := createNacosClientConfig(nacosNamespace)

	// 3. 创建 Nacos 配置客户端
	nacosConfigClient, err = clients.NewConfigClient(
		vo.NacosClientParam{
			ClientConfig:  &clientConfig,
			ServerConfigs: serverConfigs,
		},
	)
	if err != nil {
		return errors.Wrap(err, "create nacos config client")
	}

	// 4. 拉取并监听两个配置文件
	if err := initAndWatchSingleConfig(infraDataID, nacosGroup, &GlobalConfig.Infra); err != nil {
		return err
	}
	if err := initAndWatchSingleConfig(appDataID, nacosGroup, &GlobalConfig.App); err != nil {
		return err
	}

	logger.Logger.Info().Any("GlobalConfig", GetCurrentConfig()).Msg("✅ all configurations loaded and watched")
	return nil
}

// GetCurrentConfig 返回一个线程安全的配置副本
func GetCurrentConfig() Config {
	configLock.RLock()
	defer configLock.RUnlock()
	return *GlobalConfig
}

// LoadFile 读取本地模式的配置文件，文件顶层为 infra 和 app 两个节点
func LoadFile(path string) (Config, error) {
	var cfg Config
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config file %s", path)
	}
	applyDefaults(&cfg.App)
	return cfg, nil
}

// applyDefaults 为缺省的业务配置填充默认值
func applyDefaults(app *AppConfig) {
	if app.OrderService.Timeout == 0 {
		app.OrderService.Timeout = 30
	}
	if app.OrderService.ShippingName == "" {
		app.OrderService.ShippingName = "DIO"
	}
	if app.OrderService.ShippingAddress == "" {
		app.OrderService.ShippingAddress = "Cairo, Egypt"
	}
	if app.ProductLookup.Attempts == 0 {
		app.ProductLookup.Attempts = 3
	}
	if app.ProductLookup.TimeoutMs == 0 {
		app.ProductLookup.TimeoutMs = 2000
	}
	if app.ProductLookup.BreakerFailures == 0 {
		app.ProductLookup.BreakerFailures = 5
	}
	if app.ProductLookup.BreakerOpenSeconds == 0 {
		app.ProductLookup.BreakerOpenSeconds = 10
	}
	if app.ProductService.StockBackend == "" {
		app.ProductService.StockBackend = "mysql"
	}
	if app.Outbox.IntervalMs == 0 {
		app.Outbox.IntervalMs = 1000
	}
	if app.Outbox.BatchSize == 0 {
		app.Outbox.BatchSize = 100
	}
	if app.Outbox.MaxRetries == 0 {
		app.Outbox.MaxRetries = 5
	}
	if app.Outbox.RetryAfterSeconds == 0 {
		app.Outbox.RetryAfterSeconds = 60
	}
	if app.Idempotency.TTLSeconds == 0 {
		app.Idempotency.TTLSeconds = 86400
	}
}

// initAndWatchSingleConfig 拉取、解析并监听单个配置文件
func initAndWatchSingleConfig(dataId, group string, configPtr interface{}) error {
	content, err := nacosConfigClient.GetConfig(vo.ConfigParam{DataId: dataId, Group: group})
	if err != nil {
		return errors.Wrapf(err, "get initial config %s", dataId)
	}
	if err := updateConfig(content, configPtr); err != nil {
		return errors.Wrapf(err, "parse config %s", dataId)
	}

	err = nacosConfigClient.ListenConfig(vo.ConfigParam{
		DataId: dataId,
		Group:  group,
		OnChange: func(_, _, _, data string) {
			logger.Logger.Info().Str("data_id", dataId).Msg("🔔 nacos config changed, applying new config")
			if err := updateConfig(data, configPtr); err != nil {
				logger.Logger.Error().Err(err).Str("data_id", dataId).Msg("❌ failed to apply nacos config, keeping previous one")
				return
			}
			cfg := GetCurrentConfig()
			logger.Logger.Info().
				Int("timeout", cfg.App.OrderService.Timeout).
				Bool("auto_confirm", cfg.App.OrderService.AutoConfirm).
				Msg("order service config refreshed")
		},
	})
	return errors.Wrapf(err, "listen config %s", dataId)
}

// updateConfig 线程安全地更新配置。解析失败时保留旧配置。
func updateConfig(content string, configPtr interface{}) error {
	configLock.Lock()
	defer configLock.Unlock()
	switch ptr := configPtr.(type) {
	case *AppConfig:
		var next AppConfig
		if err := yaml.Unmarshal([]byte(content), &next); err != nil {
			return err
		}
		applyDefaults(&next)
		*ptr = next
	case *InfraConfig:
		var next InfraConfig
		if err := yaml.Unmarshal([]byte(content), &next); err != nil {
			return err
		}
		*ptr = next
	default:
		return yaml.Unmarshal([]byte(content), configPtr)
	}
	return nil
}

func createNacosServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		parts := strings.Split(addr, ":")
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid address format: %s", addr)
		}
		port, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, errors.Errorf("invalid port: %s", parts[1])
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(parts[0], port))
	}
	return serverConfigs, nil
}

func createNacosClientConfig(namespaceId string) constant.ClientConfig {
	return *constant.NewClientConfig(
		constant.WithNamespaceId(namespaceId),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
	)
}

// getEnv 从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

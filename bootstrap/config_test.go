package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localYAML = `
infra:
  mysql:
    dsn: "root:root@tcp(localhost:3306)/rainy?parseTime=true"
  redis:
    addrs: "localhost:6379"
  kafka:
    brokers: "localhost:9092"
app:
  orderService:
    timeout: 45
    autoConfirm: true
    simulateCrash: true
  productService:
    stockBackend: redis
  services:
    service-product: "localhost:9000"
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rainy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, localYAML))
	require.NoError(t, err)

	assert.Equal(t, "localhost:9092", cfg.Infra.Kafka.Brokers)
	assert.Equal(t, 45, cfg.App.OrderService.Timeout)
	assert.True(t, cfg.App.OrderService.AutoConfirm)
	assert.True(t, cfg.App.OrderService.SimulateCrash)
	assert.Equal(t, "redis", cfg.App.ProductService.StockBackend)
	assert.Equal(t, "localhost:9000", cfg.App.Services["service-product"])

	// 未配置的字段使用默认值
	assert.Equal(t, "DIO", cfg.App.OrderService.ShippingName)
	assert.Equal(t, "Cairo, Egypt", cfg.App.OrderService.ShippingAddress)
	assert.Equal(t, 3, cfg.App.ProductLookup.Attempts)
	assert.Equal(t, 2000, cfg.App.ProductLookup.TimeoutMs)
	assert.Equal(t, 5, cfg.App.Outbox.MaxRetries)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, "app: [not, a, map"))
	assert.Error(t, err)
}

func TestUpdateConfig_KeepsPreviousOnParseError(t *testing.T) {
	var app AppConfig
	require.NoError(t, updateConfig("orderService:\n  timeout: 60\n", &app))
	assert.Equal(t, 60, app.OrderService.Timeout)
	assert.Equal(t, "mysql", app.ProductService.StockBackend)

	assert.Error(t, updateConfig("orderService: [", &app))
	assert.Equal(t, 60, app.OrderService.Timeout)
}

func TestInit_LocalMode(t *testing.T) {
	t.Setenv(localConfigEnv, writeFile(t, localYAML))
	require.True(t, IsLocalMode())
	require.NoError(t, Init())
	assert.Equal(t, 45, GetCurrentConfig().App.OrderService.Timeout)
}

func TestCreateNacosServerConfigs(t *testing.T) {
	cfgs, err := createNacosServerConfigs("10.0.0.1:8848,10.0.0.2:8848")
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, "10.0.0.2", cfgs[1].IpAddr)
	assert.EqualValues(t, 8848, cfgs[1].Port)

	_, err = createNacosServerConfigs("localhost")
	assert.Error(t, err)
}

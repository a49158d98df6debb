package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Resolver 根据服务名挑选一个健康实例。*nacos.Client 和 StaticResolver 都实现了它。
type Resolver interface {
	DiscoverServiceInstance(serviceName string) (string, int, error)
}

// StaticResolver 是本地模式下的服务地址表: 服务名 -> "host:port"
type StaticResolver map[string]string

func (r StaticResolver) DiscoverServiceInstance(serviceName string) (string, int, error) {
	addr, ok := r[serviceName]
	if !ok {
		return "", 0, fmt.Errorf("no static address configured for service '%s'", serviceName)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid static address for service '%s': %w", serviceName, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid static port for service '%s': %w", serviceName, err)
	}
	return host, port, nil
}

// StatusError 表示下游返回了非 2xx 状态码
type StatusError struct {
	Service    string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service %s returned status %d for %s", e.Service, e.StatusCode, e.URL)
}

// StatusCode 从 err 链中取出下游状态码，不是 StatusError 时返回 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Client 是一个可追踪的、基于服务发现的 HTTP 客户端
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	Resolver   Resolver
}

// NewClient 创建一个新的客户端实例。
// http.Client 不设置 Timeout，超时完全由每次请求传入的 context 控制。
func NewClient(tracer trace.Tracer, resolver Resolver) *Client {
	if tracer == nil {
		tracer = otel.Tracer("httpclient")
	}
	return &Client{
		Tracer: tracer,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		Resolver: resolver,
	}
}

// Get 通过服务名调用下游 GET 接口，响应体解码到 out (out 可以为 nil)
func (c *Client) Get(ctx context.Context, serviceName, requestPath string, params url.Values, out any) error {
	return c.CallService(ctx, http.MethodGet, serviceName, requestPath, params, out)
}

// Post 通过服务名调用下游 POST 接口，参数放在查询字符串中
func (c *Client) Post(ctx context.Context, serviceName, requestPath string, params url.Values, out any) error {
	return c.CallService(ctx, http.MethodPost, serviceName, requestPath, params, out)
}

// CallService 先通过 Resolver 发现实例，再发起带追踪上下文的请求
func (c *Client) CallService(ctx context.Context, method, serviceName, requestPath string, params url.Values, out any) error {
	instanceIP, instancePort, err := c.Resolver.DiscoverServiceInstance(serviceName)
	if err != nil {
		return fmt.Errorf("failed to discover service '%s': %w", serviceName, err)
	}

	serviceURL := fmt.Sprintf("http://%s%s", net.JoinHostPort(instanceIP, strconv.Itoa(instancePort)), requestPath)
	if len(params) > 0 {
		serviceURL += "?" + params.Encode()
	}

	ctx, span := c.Tracer.Start(ctx, fmt.Sprintf("call-%s", serviceName), trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("net.peer.name", instanceIP),
		attribute.Int("net.peer.port", instancePort),
		attribute.String("service.name.discovered", serviceName),
		attribute.String("http.url", serviceURL),
		attribute.String("http.method", method),
	)

	req, err := http.NewRequestWithContext(ctx, method, serviceURL, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := &StatusError{Service: serviceName, URL: serviceURL, StatusCode: resp.StatusCode, Body: string(body)}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		return errors.Wrapf(err, "decode response from %s", serviceName)
	}
	return nil
}

package workflow_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rainyctl/rainy-cloud/constants"
	"github.com/rainyctl/rainy-cloud/httpclient"
	"github.com/rainyctl/rainy-cloud/order"
	"github.com/rainyctl/rainy-cloud/product"
	"github.com/rainyctl/rainy-cloud/productclient"
	"github.com/rainyctl/rainy-cloud/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

// remoteStock 把真实的商品服务 Handler 挂在 httptest 上，
// override 可以按路径替换或包装某个接口的行为
type remoteStock struct {
	override map[string]func(w http.ResponseWriter, r *http.Request, next http.Handler)
	restores atomic.Int32
}

func newRemoteStock(t *testing.T, f *fixture) (*remoteStock, *productclient.Client) {
	t.Helper()
	rs := &remoteStock{override: map[string]func(http.ResponseWriter, *http.Request, http.Handler){}}

	router := chi.NewRouter()
	product.NewHandler(f.products).Register(router)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == constants.ProductStockRestorePath {
			rs.restores.Add(1)
		}
		if fn, ok := rs.override[r.URL.Path]; ok {
			fn(w, r, router)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	resolver := httpclient.StaticResolver{constants.ProductService: strings.TrimPrefix(srv.URL, "http://")}
	hc := httpclient.NewClient(noop.NewTracerProvider().Tracer("test"), resolver)
	return rs, productclient.New(hc, productclient.Config{MaxAttempts: 2, Timeout: 200 * time.Millisecond})
}

// appliedThen 让真实 Handler 执行完请求，再把响应替换成 code，模拟应答在网关丢失
func appliedThen(code int) func(http.ResponseWriter, *http.Request, http.Handler) {
	return func(w http.ResponseWriter, r *http.Request, next http.Handler) {
		next.ServeHTTP(httptest.NewRecorder(), r)
		w.WriteHeader(code)
	}
}

func respond(code int) func(http.ResponseWriter, *http.Request, http.Handler) {
	return func(w http.ResponseWriter, _ *http.Request, _ http.Handler) {
		w.WriteHeader(code)
	}
}

func TestCreateOrder_RemoteDeductAppliedButReplyLost(t *testing.T) {
	f := newFixture(t, 5)
	rs, client := newRemoteStock(t, f)
	rs.override[constants.ProductStockDeductPath] = appliedThen(http.StatusGatewayTimeout)
	events := &recordingEvents{}
	engine := workflow.NewEngine(localLookup{f.products}, client, f.orders, workflow.WithEvents(events))

	_, err := engine.CreateOrder(context.Background(), 7, 1, 2)
	wfErr := requireKind(t, err, workflow.KindPersistence)
	assert.Equal(t, http.StatusGatewayTimeout, httpclient.StatusCode(wfErr.Err))
	assert.Equal(t, []string{"incrementStock", "deleteOrder"}, wfErr.Compensated)

	assert.Equal(t, 5, f.stock(t))
	headers, lines := f.orderRows(t)
	assert.Zero(t, headers)
	assert.Zero(t, lines)
	assert.Empty(t, events.inconsistent)
}

func TestCreateOrder_RemoteDeductNeverAppliedRestoresNothing(t *testing.T) {
	f := newFixture(t, 5)
	rs, client := newRemoteStock(t, f)
	rs.override[constants.ProductStockDeductPath] = respond(http.StatusBadGateway)
	engine := workflow.NewEngine(localLookup{f.products}, client, f.orders)

	_, err := engine.CreateOrder(context.Background(), 7, 1, 2)
	wfErr := requireKind(t, err, workflow.KindPersistence)
	assert.Equal(t, []string{"incrementStock", "deleteOrder"}, wfErr.Compensated)
	assert.EqualValues(t, 1, rs.restores.Load())

	// 回补只作废操作号，不会凭空加库存
	assert.Equal(t, 5, f.stock(t))
	assert.ErrorIs(t, f.products.Deduct(context.Background(), wfErr.RunID, 1, 2), product.ErrOperationRevoked)
	assert.Equal(t, 5, f.stock(t))
}

func TestCreateOrder_RemoteDeductTimesOutThenArrivesLate(t *testing.T) {
	f := newFixture(t, 5)
	rs, client := newRemoteStock(t, f)
	late := make(chan *http.Request, 1)
	rs.override[constants.ProductStockDeductPath] = func(w http.ResponseWriter, r *http.Request, _ http.Handler) {
		late <- r.Clone(context.Background())
		<-r.Context().Done()
	}
	engine := workflow.NewEngine(localLookup{f.products}, client, f.orders)

	_, err := engine.CreateOrder(context.Background(), 7, 1, 2)
	wfErr := requireKind(t, err, workflow.KindPersistence)
	assert.Equal(t, []string{"incrementStock", "deleteOrder"}, wfErr.Compensated)

	// 卡住的扣减请求在补偿之后才到达商品服务
	delete(rs.override, constants.ProductStockDeductPath)
	req := <-late
	rec := httptest.NewRecorder()
	router := chi.NewRouter()
	product.NewHandler(f.products).Register(router)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, 5, f.stock(t))
}

func TestCreateOrder_RemoteRestoreFailureIsInconsistent(t *testing.T) {
	f := newFixture(t, 5)
	rs, client := newRemoteStock(t, f)
	rs.override[constants.ProductStockDeductPath] = appliedThen(http.StatusGatewayTimeout)
	rs.override[constants.ProductStockRestorePath] = respond(http.StatusInternalServerError)
	events := &recordingEvents{}
	engine := workflow.NewEngine(localLookup{f.products}, client, f.orders, workflow.WithEvents(events))

	_, err := engine.CreateOrder(context.Background(), 7, 1, 2)
	wfErr := requireKind(t, err, workflow.KindCompensationFailure)
	assert.Equal(t, workflow.KindPersistence, wfErr.Origin)
	assert.Equal(t, []string{"deleteOrder"}, wfErr.Compensated)
	assert.EqualValues(t, 2, rs.restores.Load(), "restore is retried up to MaxAttempts")

	require.Len(t, events.inconsistent, 1)
	assert.Equal(t, wfErr.RunID, events.inconsistent[0].RunID)
	assert.Equal(t, 3, f.stock(t))
}

func TestCreateOrder_RemoteDeductNotFoundIsInsufficientStock(t *testing.T) {
	f := newFixture(t, 5)
	rs, client := newRemoteStock(t, f)
	rs.override[constants.ProductStockDeductPath] = respond(http.StatusNotFound)
	engine := workflow.NewEngine(localLookup{f.products}, client, f.orders)

	_, err := engine.CreateOrder(context.Background(), 7, 1, 2)
	wfErr := requireKind(t, err, workflow.KindInsufficientStock)
	assert.Equal(t, []string{"deleteOrder"}, wfErr.Compensated)
	assert.Zero(t, rs.restores.Load())
	assert.Equal(t, 5, f.stock(t))
}

func TestCreateOrder_RemoteStockSuccess(t *testing.T) {
	f := newFixture(t, 5)
	rs, client := newRemoteStock(t, f)
	engine := workflow.NewEngine(localLookup{f.products}, client, f.orders)

	h, err := engine.CreateOrder(context.Background(), 7, 1, 2)
	require.NoError(t, err)
	assert.Positive(t, h.ID)
	assert.Equal(t, 3, f.stock(t))
	assert.Zero(t, rs.restores.Load())
}

// failingLines 的订单行写入总是失败，事务内拿到的 Store 也一样
type failingLines struct {
	order.Store
}

func (failingLines) InsertLine(context.Context, *order.Line) error {
	return errors.New("disk full")
}

func (s failingLines) Transaction(ctx context.Context, fn func(tx order.Store) error) error {
	return s.Store.Transaction(ctx, func(tx order.Store) error {
		return fn(failingLines{tx})
	})
}

func TestCreateOrder_LineInsertFailureRollsBack(t *testing.T) {
	f := newFixture(t, 5)
	engine := workflow.NewEngine(localLookup{f.products}, f.products, failingLines{f.orders})

	_, err := engine.CreateOrder(context.Background(), 7, 1, 2)
	wfErr := requireKind(t, err, workflow.KindPersistence)
	assert.Equal(t, workflow.StateHeaderSaved, wfErr.Step)
	assert.Equal(t, []string{"deleteOrder"}, wfErr.Compensated)

	headers, lines := f.orderRows(t)
	assert.Zero(t, headers)
	assert.Zero(t, lines)
	assert.Equal(t, 5, f.stock(t))
}

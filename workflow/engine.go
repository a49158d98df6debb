// Package workflow 编排“创建订单”流程：查询商品 → 计算总价 → 保存订单头 → 保存订单行 → 扣减库存。
// 库存扣减跨越进程边界，本地事务覆盖不到，因此每个有副作用的步骤都登记一个补偿动作，
// 任何后续步骤失败时按逆序执行补偿。
package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rainyctl/rainy-cloud/logger"
	"github.com/rainyctl/rainy-cloud/order"
	"github.com/rainyctl/rainy-cloud/product"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ProductLookup 远程查询商品，失败时返回 Unavailable 而不是 error
type ProductLookup interface {
	Fetch(ctx context.Context, productID int64) product.Lookup
}

// StockKeeper 是商品库存的条件扣减和补偿回补。
// 两个操作都以 opID 去重：重复的 Deduct 不会多扣，Restore 只回补确实生效过的扣减，
// 并且先到的 Restore 会让同号的迟到 Deduct 失效。
type StockKeeper interface {
	Deduct(ctx context.Context, opID string, productID int64, count int) error
	Restore(ctx context.Context, opID string, productID int64, count int) error
}

// EventPublisher 在流程结束时发布领域事件
type EventPublisher interface {
	OrderCompleted(ctx context.Context, h *order.Header) error
	RunInconsistent(ctx context.Context, wfErr *Error) error
}

// StepHook 在每次状态迁移后被调用，返回 error 视为该步骤故障
type StepHook func(ctx context.Context, runID string, state State) error

type Engine struct {
	products ProductLookup
	stock    StockKeeper
	orders   order.Store

	events          EventPublisher
	hooks           []StepHook
	tracer          trace.Tracer
	shippingName    string
	shippingAddress string
}

type Option func(*Engine)

func WithEvents(p EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

func WithStepHook(h StepHook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, h) }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func WithShipping(name, address string) Option {
	return func(e *Engine) {
		e.shippingName = name
		e.shippingAddress = address
	}
}

// CrashAfter 返回一个在到达 state 时注入故障的 hook，用于演示补偿
func CrashAfter(state State) StepHook {
	return func(ctx context.Context, runID string, s State) error {
		if s == state {
			return errors.Errorf("simulated crash after %s", s)
		}
		return nil
	}
}

func NewEngine(products ProductLookup, stock StockKeeper, orders order.Store, opts ...Option) *Engine {
	e := &Engine{
		products: products,
		stock:    stock,
		orders:   orders,
		tracer:   otel.Tracer("workflow"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateOrder 执行完整的下单流程。
// 成功时返回订单头(含订单行)；失败时返回 *Error，此时所有已产生的副作用都已尽力撤销。
func (e *Engine) CreateOrder(ctx context.Context, userID, productID int64, count int) (*order.Header, error) {
	run := NewRun()
	ctx, span := e.tracer.Start(ctx, "workflow.CreateOrder", trace.WithAttributes(
		attribute.String("workflow.run_id", run.ID),
		attribute.Int64("order.user_id", userID),
		attribute.Int64("order.product_id", productID),
		attribute.Int("order.count", count),
	))
	defer span.End()

	log := logger.Ctx(ctx).With().Str("run_id", run.ID).Int64("user_id", userID).Int64("product_id", productID).Int("count", count).Logger()
	ctx = log.WithContext(ctx)

	// 意外的 panic 也要先补偿再继续向上抛
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("state", string(run.State())).Msg("workflow panicked, compensating")
			e.fail(ctx, span, run, KindPersistence, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	if userID <= 0 || productID <= 0 || count <= 0 {
		return nil, e.fail(ctx, span, run, KindValidation,
			errors.Errorf("invalid request: userId=%d productId=%d count=%d", userID, productID, count))
	}

	// 1. 远程查询商品
	p, ok := e.products.Fetch(ctx, productID).Product()
	if !ok || p.IsSentinel() {
		return nil, e.fail(ctx, span, run, KindProductUnavailable, errors.Errorf("product %d is unavailable", productID))
	}
	if err := e.advance(ctx, span, run, StateProductFetched); err != nil {
		return nil, e.fail(ctx, span, run, KindPersistence, err)
	}

	// 2 & 3. 订单头和订单行在同一个本地事务中写入，事务在远程扣减之前提交
	header := &order.Header{
		UserID:          userID,
		ShippingName:    e.shippingName,
		ShippingAddress: e.shippingAddress,
		TotalAmount:     p.Price.Mul(decimal.NewFromInt(int64(count))),
	}
	line := &order.Line{
		ProductID:   p.ID,
		ProductName: p.Name,
		UnitPrice:   p.Price,
		Quantity:    count,
	}
	err := e.orders.Transaction(ctx, func(tx order.Store) error {
		orderID, err := tx.InsertHeader(ctx, header)
		if err != nil {
			return err
		}
		run.Push("deleteOrder", func(ctx context.Context) error {
			return e.orders.DeleteOrder(ctx, orderID)
		})
		if err := e.advance(ctx, span, run, StateHeaderSaved); err != nil {
			return err
		}

		line.OrderID = orderID
		if err := tx.InsertLine(ctx, line); err != nil {
			return err
		}
		return e.advance(ctx, span, run, StateLineSaved)
	})
	if err != nil {
		return nil, e.fail(ctx, span, run, KindPersistence, err)
	}
	log.Info().Int64("order_id", header.ID).Str("total", header.TotalAmount.String()).Msg("order persisted")

	// 4. 远程扣减库存，以 run ID 作为操作号
	restock := func(ctx context.Context) error {
		return e.stock.Restore(ctx, run.ID, productID, count)
	}
	if err := e.stock.Deduct(ctx, run.ID, productID, count); err != nil {
		switch {
		case errors.Is(err, product.ErrInsufficientStock):
			return nil, e.fail(ctx, span, run, KindInsufficientStock, err)
		case errors.Is(err, product.ErrInvalidCount), errors.Is(err, product.ErrOperationRevoked):
			return nil, e.fail(ctx, span, run, KindPersistence, err)
		}
		// 超时或 5xx：扣减可能已经生效，按操作号回补
		log.Warn().Err(err).Msg("stock deduction outcome unknown, restoring by run id")
		run.Push("incrementStock", restock)
		return nil, e.fail(ctx, span, run, KindPersistence, err)
	}
	run.Push("incrementStock", restock)
	if err := e.advance(ctx, span, run, StateStockDecremented); err != nil {
		return nil, e.fail(ctx, span, run, KindPersistence, err)
	}

	// 5. 完成：发布 order.created
	header.Lines = []order.Line{*line}
	if e.events != nil {
		if err := e.events.OrderCompleted(ctx, header); err != nil {
			return nil, e.fail(ctx, span, run, KindPersistence, err)
		}
	}
	run.advance(StateCompleted)
	span.AddEvent(string(StateCompleted))
	span.SetAttributes(attribute.Int64("order.id", header.ID))
	log.Info().Int64("order_id", header.ID).Msg("✅ order workflow completed")
	return header, nil
}

func (e *Engine) advance(ctx context.Context, span trace.Span, run *Run, s State) error {
	run.advance(s)
	span.AddEvent(string(s))
	for _, hook := range e.hooks {
		if err := hook(ctx, run.ID, s); err != nil {
			return err
		}
	}
	return nil
}

// fail 执行所有待补偿动作并构造最终错误
func (e *Engine) fail(ctx context.Context, span trace.Span, run *Run, kind Kind, cause error) *Error {
	log := zerolog.Ctx(ctx)

	wfErr := &Error{Kind: kind, Step: run.State(), RunID: run.ID, Err: cause}

	if run.Pending() > 0 {
		run.advance(StateCompensating)
		// 请求被取消也要把补偿做完
		applied, errs := run.Rollback(context.WithoutCancel(ctx))
		wfErr.Compensated = applied
		if len(errs) > 0 {
			wfErr.Origin = kind
			wfErr.Kind = KindCompensationFailure
			wfErr.CompensationErrs = errs
		}
	}
	run.advance(StateFailed)

	span.RecordError(wfErr)
	span.SetStatus(codes.Error, string(wfErr.Kind))

	ev := log.Warn()
	if wfErr.Kind == KindCompensationFailure || wfErr.Kind == KindPersistence {
		ev = log.Error()
	}
	ev.Err(cause).
		Str("kind", string(wfErr.Kind)).
		Str("step", string(wfErr.Step)).
		Strs("compensated", wfErr.Compensated).
		Msg("order workflow failed")

	if wfErr.Kind == KindCompensationFailure && e.events != nil {
		if err := e.events.RunInconsistent(context.WithoutCancel(ctx), wfErr); err != nil {
			log.Error().Err(err).Msg("❌ failed to record inconsistent order workflow")
		}
	}
	return wfErr
}

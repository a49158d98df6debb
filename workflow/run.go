package workflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/rainyctl/rainy-cloud/logger"
)

// State 是下单流程状态机的状态
type State string

const (
	StateStarted          State = "STARTED"
	StateProductFetched   State = "PRODUCT_FETCHED"
	StateHeaderSaved      State = "HEADER_SAVED"
	StateLineSaved        State = "LINE_SAVED"
	StateStockDecremented State = "STOCK_DECREMENTED"
	StateCompleted        State = "COMPLETED"
	StateCompensating     State = "COMPENSATING"
	StateFailed           State = "FAILED"
)

type compensation struct {
	name string
	undo func(ctx context.Context) error
}

// Run 是一次下单流程的内存状态，只在流程期间存在，从不持久化。
// 补偿动作按栈 (LIFO) 保存，每个动作最多执行一次。
type Run struct {
	ID string

	state         State
	steps         []State
	compensations []compensation
}

func NewRun() *Run {
	return &Run{
		ID:    uuid.NewString(),
		state: StateStarted,
		steps: []State{StateStarted},
	}
}

func (r *Run) State() State {
	return r.state
}

// Steps 返回按顺序经过的状态
func (r *Run) Steps() []State {
	return append([]State(nil), r.steps...)
}

// Pending 返回尚未执行的补偿动作数量
func (r *Run) Pending() int {
	return len(r.compensations)
}

func (r *Run) advance(s State) {
	r.state = s
	r.steps = append(r.steps, s)
}

// Push 登记一个补偿动作。必须在产生副作用的步骤成功后立即调用，早于下一步开始。
func (r *Run) Push(name string, undo func(ctx context.Context) error) {
	r.compensations = append(r.compensations, compensation{name: name, undo: undo})
}

// Rollback 逆序弹出并执行所有补偿动作。
// 单个补偿失败只记录日志，不会中断后续补偿；再次调用不会重复执行已弹出的动作。
func (r *Run) Rollback(ctx context.Context) (applied []string, errs []error) {
	log := logger.Ctx(ctx).With().Str("run_id", r.ID).Logger()
	for len(r.compensations) > 0 {
		c := r.compensations[len(r.compensations)-1]
		r.compensations = r.compensations[:len(r.compensations)-1]

		if err := c.undo(ctx); err != nil {
			log.Error().Err(err).Str("compensation", c.name).Msg("❌ compensation failed")
			errs = append(errs, &CompensationError{Name: c.name, Err: err})
			continue
		}
		log.Info().Str("compensation", c.name).Msg("compensation applied")
		applied = append(applied, c.name)
	}
	return applied, errs
}

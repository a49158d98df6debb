// Package orderapi 是订单服务的 HTTP 边界
package orderapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rainyctl/rainy-cloud/constants"
	"github.com/rainyctl/rainy-cloud/idempotency"
	"github.com/rainyctl/rainy-cloud/logger"
	"github.com/rainyctl/rainy-cloud/order"
	"github.com/rainyctl/rainy-cloud/tracing"
	"github.com/rainyctl/rainy-cloud/workflow"
)

// IdempotencyHeader 是客户端重试下单时携带的请求头
const IdempotencyHeader = "Idempotency-Key"

type OrderCreator interface {
	CreateOrder(ctx context.Context, userID, productID int64, count int) (*order.Header, error)
}

// Settings 是 /config 暴露的运行时配置，每次请求时读取，配置热更新后立即可见
type Settings struct {
	Timeout     int  `json:"timeout"`
	AutoConfirm bool `json:"autoConfirm"`
}

type Handler struct {
	creator  OrderCreator
	orders   order.Store
	idem     *idempotency.Manager
	settings func() Settings
}

type Option func(*Handler)

// WithIdempotency 开启基于 Idempotency-Key 的重复请求去重
func WithIdempotency(m *idempotency.Manager) Option {
	return func(h *Handler) { h.idem = m }
}

func WithSettings(fn func() Settings) Option {
	return func(h *Handler) { h.settings = fn }
}

func NewHandler(creator OrderCreator, orders order.Store, opts ...Option) *Handler {
	h := &Handler{
		creator:  creator,
		orders:   orders,
		settings: func() Settings { return Settings{} },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(r chi.Router) {
	r.Post(constants.OrderCreatePath, h.createOrder)
	r.Get(constants.OrderGetPath, h.getOrder)
	r.Get(constants.OrderConfigPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.settings())
	})
	r.Get(constants.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "UP"})
	})
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	userID, err := strconv.ParseInt(q.Get("userId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(workflow.KindValidation), "invalid userId")
		return
	}
	productID, err := strconv.ParseInt(q.Get("productId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(workflow.KindValidation), "invalid productId")
		return
	}
	count := 1
	if raw := q.Get("count"); raw != "" {
		if count, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, string(workflow.KindValidation), "invalid count")
			return
		}
	}

	key := r.Header.Get(IdempotencyHeader)
	if key != "" && h.idem != nil {
		existing, reserved, err := h.idem.Reserve(ctx, key)
		switch {
		case errors.Is(err, idempotency.ErrInProgress):
			writeError(w, http.StatusConflict, "InProgress", err.Error())
			return
		case errors.Is(err, idempotency.ErrQuarantined):
			writeError(w, http.StatusConflict, string(workflow.KindCompensationFailure), err.Error())
			return
		case err != nil:
			// Redis 不可用时不去重，照常下单
			logger.Ctx(ctx).Warn().Err(err).Str("idempotency_key", key).Msg("idempotency check skipped")
			key = ""
		case !reserved:
			logger.Ctx(ctx).Info().Str("idempotency_key", key).Int64("order_id", existing).Msg("replaying idempotent order")
			h.writeOrder(w, r, existing)
			return
		}
	} else {
		key = ""
	}

	header, err := h.creator.CreateOrder(ctx, userID, productID, count)
	if err != nil {
		if key != "" {
			h.settleKey(ctx, key, err)
		}
		writeWorkflowError(w, r, err)
		return
	}
	if key != "" {
		if cerr := h.idem.Complete(ctx, key, header.ID); cerr != nil {
			logger.Ctx(ctx).Warn().Err(cerr).Str("idempotency_key", key).Msg("failed to record idempotency key")
		}
	}
	writeJSON(w, http.StatusOK, header)
}

// settleKey 处理失败请求占用的 key：补偿失败的流程保留 key 等待对账，其余失败释放 key 允许重试
func (h *Handler) settleKey(ctx context.Context, key string, err error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.Ctx(ctx).With().Str("idempotency_key", key).Logger()

	var wfErr *workflow.Error
	if errors.As(err, &wfErr) && wfErr.Kind == workflow.KindCompensationFailure {
		if qerr := h.idem.Quarantine(ctx, key, wfErr.RunID); qerr != nil {
			log.Error().Err(qerr).Str("run_id", wfErr.RunID).Msg("failed to quarantine idempotency key")
		}
		return
	}
	if rerr := h.idem.Release(ctx, key); rerr != nil {
		log.Warn().Err(rerr).Msg("failed to release idempotency key")
	}
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid order id")
		return
	}
	h.writeOrder(w, r, id)
}

func (h *Handler) writeOrder(w http.ResponseWriter, r *http.Request, id int64) {
	o, err := h.orders.Get(r.Context(), id)
	if errors.Is(err, order.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
		return
	}
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Int64("order_id", id).Msg("get order failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// StatusFor 把流程错误分类映射为 HTTP 状态码
func StatusFor(kind workflow.Kind) int {
	switch kind {
	case workflow.KindValidation:
		return http.StatusBadRequest
	case workflow.KindProductUnavailable:
		return http.StatusServiceUnavailable
	case workflow.KindInsufficientStock:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeWorkflowError(w http.ResponseWriter, r *http.Request, err error) {
	var wfErr *workflow.Error
	if !errors.As(err, &wfErr) {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	writeJSON(w, StatusFor(wfErr.Kind), map[string]any{
		"code":        wfErr.Kind,
		"msg":         wfErr.Error(),
		"runId":       wfErr.RunID,
		"step":        wfErr.Step,
		"compensated": wfErr.Compensated,
		"traceId":     tracing.GetTraceIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, map[string]any{"code": kind, "msg": msg})
}

package product

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rainyctl/rainy-cloud/constants"
	"github.com/rainyctl/rainy-cloud/logger"
)

// Handler 暴露商品服务的 HTTP 边界，订单服务通过它远程查询商品和扣减库存
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Register(r chi.Router) {
	r.Get(constants.ProductGetPath, h.getProduct)
	r.Post(constants.ProductStockDeductPath, h.deductStock)
	r.Post(constants.ProductStockRestorePath, h.restoreStock)
	r.Get(constants.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "UP"})
	})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	logger.Ctx(r.Context()).Info().Int64("product_id", id).Msg("get product")

	p, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Int64("product_id", id).Msg("get product failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) deductStock(w http.ResponseWriter, r *http.Request) {
	id, count, ok := stockParams(w, r)
	if !ok {
		return
	}
	opID := r.URL.Query().Get("opId")
	err := h.store.Deduct(r.Context(), opID, id, count)
	switch {
	case err == nil:
		logger.Ctx(r.Context()).Info().Int64("product_id", id).Int("count", count).Str("op_id", opID).Msg("stock deducted")
		writeJSON(w, http.StatusOK, map[string]any{"productId": id, "count": count, "opId": opID})
	case errors.Is(err, ErrInsufficientStock):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrOperationRevoked):
		// 410 与库存不足区分开：调用方已经放弃了这次扣减
		writeError(w, http.StatusGone, err.Error())
	default:
		logger.Ctx(r.Context()).Error().Err(err).Int64("product_id", id).Msg("deduct stock failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) restoreStock(w http.ResponseWriter, r *http.Request) {
	id, count, ok := stockParams(w, r)
	if !ok {
		return
	}
	opID := r.URL.Query().Get("opId")
	err := h.store.Restore(r.Context(), opID, id, count)
	switch {
	case err == nil:
		logger.Ctx(r.Context()).Info().Int64("product_id", id).Int("count", count).Str("op_id", opID).Msg("stock restored")
		writeJSON(w, http.StatusOK, map[string]any{"productId": id, "count": count, "opId": opID})
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logger.Ctx(r.Context()).Error().Err(err).Int64("product_id", id).Msg("restore stock failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func stockParams(w http.ResponseWriter, r *http.Request) (int64, int, bool) {
	q := r.URL.Query()
	id, err := strconv.ParseInt(q.Get("productId"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid productId")
		return 0, 0, false
	}
	count, err := strconv.Atoi(q.Get("count"))
	if err != nil || count <= 0 {
		writeError(w, http.StatusBadRequest, "invalid count")
		return 0, 0, false
	}
	return id, count, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"code": code, "msg": msg})
}

package workflow

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rainyctl/rainy-cloud/constants"
	"github.com/rainyctl/rainy-cloud/order"
	"github.com/rainyctl/rainy-cloud/transactional"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderCreatedEvent 是 order.created 的消息体
type OrderCreatedEvent struct {
	OrderID     int64           `json:"orderId"`
	UserID      int64           `json:"userId"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Lines       []EventLine     `json:"lines"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type EventLine struct {
	ProductID int64           `json:"productId"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
}

// RunInconsistentEvent 是 order.inconsistent 的消息体，供人工对账
type RunInconsistentEvent struct {
	RunID         string   `json:"runId"`
	Step          State    `json:"step"`
	Origin        Kind     `json:"origin"`
	Cause         string   `json:"cause"`
	Compensated   []string `json:"compensated"`
	Uncompensated []string `json:"uncompensated"`
}

// OutboxPublisher 把事件写进事务发件箱，由 transactional.Forwarder 异步投递到 Kafka
type OutboxPublisher struct {
	db     *gorm.DB
	outbox *transactional.Service
}

func NewOutboxPublisher(db *gorm.DB, outbox *transactional.Service) *OutboxPublisher {
	return &OutboxPublisher{db: db, outbox: outbox}
}

func (p *OutboxPublisher) OrderCompleted(ctx context.Context, h *order.Header) error {
	ev := OrderCreatedEvent{
		OrderID:     h.ID,
		UserID:      h.UserID,
		TotalAmount: h.TotalAmount,
		CreatedAt:   h.CreatedAt,
	}
	for _, l := range h.Lines {
		ev.Lines = append(ev.Lines, EventLine{ProductID: l.ProductID, UnitPrice: l.UnitPrice, Quantity: l.Quantity})
	}
	return p.send(ctx, constants.TopicOrderCreated, strconv.FormatInt(h.ID, 10), ev)
}

func (p *OutboxPublisher) RunInconsistent(ctx context.Context, wfErr *Error) error {
	ev := RunInconsistentEvent{
		RunID:       wfErr.RunID,
		Step:        wfErr.Step,
		Origin:      wfErr.Origin,
		Compensated: wfErr.Compensated,
	}
	if wfErr.Err != nil {
		ev.Cause = wfErr.Err.Error()
	}
	for _, err := range wfErr.CompensationErrs {
		var ce *CompensationError
		if errors.As(err, &ce) {
			ev.Uncompensated = append(ev.Uncompensated, ce.Name)
		}
	}
	return p.send(ctx, constants.TopicOrderInconsistent, wfErr.RunID, ev)
}

func (p *OutboxPublisher) send(ctx context.Context, topic, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s event", topic)
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return p.outbox.SendInTx(ctx, tx, topic, key, payload)
	})
}

package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/money"
)

// OrderPlacedPayload — тело события order.placed в outbox.
type OrderPlacedPayload struct {
	OrderID      string            `json:"order_id"`
	CartID       string            `json:"cart_id"`
	SessionID    string            `json:"session_id,omitempty"`
	DiscountCode string            `json:"discount_code,omitempty"`
	Items        []domain.LineItem `json:"items"`
	Subtotal     string            `json:"subtotal"`
	Total        string            `json:"total"`
	PlacedAt     time.Time         `json:"placed_at"`
}

// PlaceOrder оформляет заказ из привязанной непустой корзины. Перед заказом
// отправляется ожидающий sync intent, чтобы backend видел актуальные позиции.
// После успеха корзина сбрасывается в пустое локальное состояние.
// Ошибки backend возвращаются вызывающему без изменений.
func (e *Engine) PlaceOrder(ctx context.Context) (string, error) {
	e.mu.Lock()
	empty := len(e.lines) == 0
	bound := e.cartID != ""
	e.mu.Unlock()

	if empty {
		e.metrics.RecordCheckout(false)
		return "", domain.ErrCartEmpty
	}
	if !bound {
		e.metrics.RecordCheckout(false)
		return "", domain.ErrCartNotBound
	}

	if err := e.Flush(ctx); err != nil {
		e.metrics.RecordCheckout(false)
		e.logger.WithError(err).Error("cart sync before checkout failed")
		return "", fmt.Errorf("sync cart before checkout: %w", err)
	}

	e.mu.Lock()
	req := domain.OrderRequest{CartID: e.cartID, DiscountCode: e.code}
	payload := OrderPlacedPayload{
		CartID:       e.cartID,
		SessionID:    e.sessionID,
		DiscountCode: e.code,
		Items:        domain.ToLineItems(e.lines),
		Subtotal:     money.Format(Subtotal(e.lines)),
		Total:        money.Format(Total(e.lines, e.code, e.discounts)),
	}
	e.mu.Unlock()

	logger := e.logger.WithField("cart_id", req.CartID)

	orderID, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		e.metrics.RecordCheckout(false)
		logger.WithError(err).Error("place order failed")
		return "", err
	}

	payload.OrderID = orderID
	payload.PlacedAt = time.Now().UTC()
	e.emitOrderPlaced(payload)

	e.mu.Lock()
	e.cartID = ""
	e.lines = nil
	e.code = ""
	e.pending = false
	e.pendingLines = nil
	e.parked = false
	e.intentGen++
	e.version++
	state := e.stateLocked()
	e.mu.Unlock()

	e.persist(state)
	e.metrics.RecordCheckout(true)
	logger.WithField("order_id", orderID).Info("order placed")
	return orderID, nil
}

func (e *Engine) emitOrderPlaced(payload OrderPlacedPayload) {
	if e.events == nil {
		return
	}

	fields := log.Fields{"order_id": payload.OrderID, "event": domain.EventTypeOrderPlaced}
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.WithError(err).WithFields(fields).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: domain.AggregateTypeCart,
		AggregateID:   payload.CartID,
		EventType:     domain.EventTypeOrderPlaced,
		Payload:       data,
	}
	if _, err := e.events.Enqueue(msg); err != nil {
		e.logger.WithError(err).WithFields(fields).Error("enqueue event failed")
	}
}

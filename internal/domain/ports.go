package domain

import (
	"context"
	"time"
)

// Catalog отдаёт справочники товаров и скидок.
type Catalog interface {
	ListProducts(ctx context.Context) ([]Product, error)
	ListDiscounts(ctx context.Context) ([]Discount, error)
}

// CartGateway описывает операции с корзиной и заказом на commerce backend.
type CartGateway interface {
	// CreateCart создаёт корзину и возвращает её полное состояние.
	CreateCart(ctx context.Context) (ServerCart, error)
	GetCart(ctx context.Context, id string) (ServerCart, error)
	// ReplaceCartLines отправляет полный список позиций (не дельту).
	ReplaceCartLines(ctx context.Context, id string, lines []LineItem) (ServerCart, error)
	// PlaceOrder оформляет заказ и возвращает его идентификатор.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
}

// CommerceAPI — полный контракт commerce backend.
type CommerceAPI interface {
	Catalog
	CartGateway
}

// OrderRequest — данные для оформления заказа.
type OrderRequest struct {
	CartID       string
	DiscountCode string
}

// CatalogCache кеширует справочники каталога.
type CatalogCache interface {
	GetProducts(ctx context.Context) ([]Product, error)
	SetProducts(ctx context.Context, products []Product) error
	GetDiscounts(ctx context.Context) ([]Discount, error)
	SetDiscounts(ctx context.Context, discounts []Discount) error
}

// CartStateRepository хранит состояние корзины между перезапусками сессии.
type CartStateRepository interface {
	// Load возвращает состояние или ErrCartStateNotFound.
	Load(sessionID string) (CartState, error)
	Save(state CartState) error
	Delete(sessionID string) error
}

// OutboxPublisher публикует события из outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит результаты оформления заказа по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

const (
	// AggregateTypeCart — тип агрегата для событий корзины.
	AggregateTypeCart = "cart"
	// EventTypeOrderPlaced — заказ оформлен из корзины.
	EventTypeOrderPlaced = "order.placed"
)

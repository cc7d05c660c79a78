package cart

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// Операции для метрик и логов.
const (
	opAdd      = "add"
	opRemove   = "remove"
	opUpdate   = "update_quantity"
	opDiscount = "apply_discount"
	opEmpty    = "empty"
)

// EngineOptions задаёт параметры движка корзины.
type EngineOptions struct {
	Logger    *log.Entry
	Metrics   *metrics.CartMetrics
	StateRepo domain.CartStateRepository
	SessionID string
	Events    domain.OutboxRepository
}

// Option настраивает Engine.
type Option func(*EngineOptions)

// WithLogger задаёт logger движка.
func WithLogger(logger *log.Entry) Option {
	return func(opts *EngineOptions) {
		opts.Logger = logger
	}
}

// WithMetrics подключает метрики корзины.
func WithMetrics(m *metrics.CartMetrics) Option {
	return func(opts *EngineOptions) {
		opts.Metrics = m
	}
}

// WithStateRepository включает сохранение состояния корзины сессии после каждого изменения.
func WithStateRepository(repo domain.CartStateRepository, sessionID string) Option {
	return func(opts *EngineOptions) {
		opts.StateRepo = repo
		opts.SessionID = sessionID
	}
}

// WithEvents задаёт outbox для событий оформления заказа.
func WithEvents(repo domain.OutboxRepository) Option {
	return func(opts *EngineOptions) {
		opts.Events = repo
	}
}

// Engine владеет состоянием одной корзины: позициями, применённым кодом скидки
// и каталогом скидок. Мутации применяются локально сразу, а список позиций
// серверной корзины догоняется через sync intent (см. syncer.go).
type Engine struct {
	gateway   domain.CartGateway
	logger    *log.Entry
	metrics   *metrics.CartMetrics
	stateRepo domain.CartStateRepository
	sessionID string
	events    domain.OutboxRepository

	mu        sync.Mutex
	cartID    string
	lines     []domain.CartLine
	code      string
	discounts []domain.Discount
	version   uint64

	// sync intent: последний ещё не отправленный список позиций.
	intentGen    uint64
	pending      bool
	pendingLines []domain.LineItem
	// parked: intent вернулся после ошибки отправки; его отправляет только Flush
	parked bool
	signal chan struct{}

	// bindMu сериализует создание серверной корзины, syncMu — отправку позиций.
	bindMu sync.Mutex
	syncMu sync.Mutex
}

// NewEngine создаёт пустую локальную корзину.
func NewEngine(gateway domain.CartGateway, options ...Option) *Engine {
	var opts EngineOptions
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "cart-engine")
	}
	if opts.SessionID != "" {
		logger = logger.WithField("session_id", opts.SessionID)
	}

	return &Engine{
		gateway:   gateway,
		logger:    logger,
		metrics:   opts.Metrics,
		stateRepo: opts.StateRepo,
		sessionID: opts.SessionID,
		events:    opts.Events,
		signal:    make(chan struct{}, 1),
	}
}

// SessionID возвращает идентификатор сессии, которой принадлежит корзина.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Rehydrate восстанавливает сохранённое состояние. Если корзина уже привязана
// к серверу, её позиции ставятся в очередь на синхронизацию.
func (e *Engine) Rehydrate(state domain.CartState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cartID = state.CartID
	e.lines = withoutEmptyLines(domain.CloneLines(state.Lines))
	e.code = state.DiscountCode
	if len(e.lines) == 0 {
		e.code = ""
	}
	e.version++

	if e.cartID != "" && len(e.lines) > 0 {
		e.enqueueLocked()
	}
}

// AddItem добавляет единицу товара. Для локальной корзины сначала создаётся
// корзина на сервере; ошибка создания не блокирует локальное изменение.
// На потолке остатка добавление молча игнорируется, товар без остатка
// в корзину не попадает.
func (e *Engine) AddItem(ctx context.Context, product domain.Product) {
	e.metrics.RecordMutation(opAdd)
	if product.Stock < 1 {
		e.logger.WithField("product_id", product.ID).Warn("cannot add; product is out of stock")
		return
	}
	e.ensureBound(ctx)

	e.commit(opAdd, func(lines []domain.CartLine) []domain.CartLine {
		for i, l := range lines {
			if l.ProductID != product.ID {
				continue
			}
			if l.Quantity >= product.Stock {
				e.logger.WithFields(log.Fields{
					"product_id": product.ID,
					"quantity":   l.Quantity,
					"stock":      product.Stock,
				}).Warn("cannot add more; stock limit reached")
				return lines
			}
			snap := product
			lines[i].Quantity++
			lines[i].Snapshot = &snap
			return lines
		}

		snap := product
		return append(lines, domain.CartLine{ProductID: product.ID, Quantity: 1, Snapshot: &snap})
	})
}

// RemoveItem удаляет позицию товара; отсутствие позиции — no-op.
func (e *Engine) RemoveItem(productID string) {
	e.metrics.RecordMutation(opRemove)
	e.commit(opRemove, func(lines []domain.CartLine) []domain.CartLine {
		out := lines[:0]
		for _, l := range lines {
			if l.ProductID != productID {
				out = append(out, l)
			}
		}
		return out
	})
}

// UpdateQuantity задаёт количество, ограничивая его остатком из снимка товара.
// Значение <= 0 после ограничения удаляет позицию: пустые позиции не хранятся.
func (e *Engine) UpdateQuantity(productID string, quantity int) {
	e.metrics.RecordMutation(opUpdate)
	e.commit(opUpdate, func(lines []domain.CartLine) []domain.CartLine {
		out := lines[:0]
		for _, l := range lines {
			if l.ProductID == productID {
				q := quantity
				if ceiling, ok := l.StockCeiling(); ok && q > ceiling {
					q = ceiling
				}
				if q <= 0 {
					continue
				}
				l.Quantity = q
			}
			out = append(out, l)
		}
		return out
	})
}

// ApplyDiscountCode сохраняет код как есть, без проверки по каталогу.
// Пустая строка снимает скидку.
func (e *Engine) ApplyDiscountCode(code string) {
	e.metrics.RecordMutation(opDiscount)

	e.mu.Lock()
	if e.code == code {
		e.mu.Unlock()
		return
	}
	e.code = code
	e.version++
	state := e.stateLocked()
	e.mu.Unlock()

	e.persist(state)
}

// Empty удаляет все позиции (и вместе с ними код скидки).
func (e *Engine) Empty() {
	e.metrics.RecordMutation(opEmpty)
	e.commit(opEmpty, func([]domain.CartLine) []domain.CartLine {
		return nil
	})
}

// SetDiscounts заменяет каталог скидок.
func (e *Engine) SetDiscounts(discounts []domain.Discount) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discounts = append([]domain.Discount(nil), discounts...)
}

// LoadDiscounts загружает каталог скидок из backend.
func (e *Engine) LoadDiscounts(ctx context.Context, catalog domain.Catalog) error {
	discounts, err := catalog.ListDiscounts(ctx)
	if err != nil {
		return err
	}
	e.SetDiscounts(discounts)
	return nil
}

// Discounts возвращает каталог скидок для проверки кода на стороне UI.
func (e *Engine) Discounts() []domain.Discount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Discount(nil), e.discounts...)
}

// Snapshot возвращает копию текущего состояния корзины.
func (e *Engine) Snapshot() domain.Cart {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.Cart{
		ID:           e.cartID,
		Lines:        domain.CloneLines(e.lines),
		DiscountCode: e.code,
	}
}

// Version увеличивается при каждом фактическом изменении состояния.
func (e *Engine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Subtotal возвращает сумму без скидки.
func (e *Engine) Subtotal() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Subtotal(e.lines)
}

// Total возвращает итог со скидкой, округлённый до копеек.
func (e *Engine) Total() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Total(e.lines, e.code, e.discounts)
}

// commit применяет изменение списка позиций. Это единственная точка, из которой
// изменения позиций попадают в синхронизацию с сервером.
func (e *Engine) commit(op string, mutate func([]domain.CartLine) []domain.CartLine) {
	e.mu.Lock()
	before := domain.CloneLines(e.lines)
	after := mutate(domain.CloneLines(e.lines))

	if SameLines(before, after) && sameSnapshots(before, after) {
		e.mu.Unlock()
		return
	}

	e.lines = after
	if len(e.lines) == 0 {
		e.code = ""
	}
	e.version++
	if SameLines(before, after) {
		// поменялся только снимок товара, серверу отправлять нечего
		state := e.stateLocked()
		e.mu.Unlock()
		e.persist(state)
		return
	}

	if e.cartID != "" {
		e.enqueueLocked()
	}
	state := e.stateLocked()
	e.mu.Unlock()

	e.logger.WithFields(log.Fields{
		"op":      op,
		"lines":   len(after),
		"cart_id": state.CartID,
	}).Debug("cart updated")
	e.persist(state)
}

// ensureBound создаёт корзину на сервере для локальной корзины.
func (e *Engine) ensureBound(ctx context.Context) {
	e.mu.Lock()
	bound := e.cartID != ""
	e.mu.Unlock()
	if bound {
		return
	}

	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	e.mu.Lock()
	bound = e.cartID != ""
	e.mu.Unlock()
	if bound {
		return
	}

	serverCart, err := e.gateway.CreateCart(ctx)
	if err == nil && serverCart.ID == "" {
		err = domain.ErrCartNotBound
	}
	if err != nil {
		e.metrics.RecordCartCreation(false)
		e.logger.WithError(err).Warn("failed to create server cart, continuing with local cart")
		return
	}
	e.metrics.RecordCartCreation(true)

	e.mu.Lock()
	e.cartID = serverCart.ID
	e.lines = MergeCreatedLines(e.lines, serverCart.Items)
	e.version++
	if len(e.lines) > 0 {
		e.enqueueLocked()
	}
	state := e.stateLocked()
	e.mu.Unlock()

	e.logger.WithField("cart_id", serverCart.ID).Info("cart bound to server")
	e.persist(state)
}

func (e *Engine) stateLocked() domain.CartState {
	return domain.CartState{
		SessionID:    e.sessionID,
		CartID:       e.cartID,
		Lines:        domain.CloneLines(e.lines),
		DiscountCode: e.code,
		UpdatedAt:    time.Now().UTC(),
	}
}

// persist сохраняет состояние сессии; ошибки хранилища только логируются.
func (e *Engine) persist(state domain.CartState) {
	if e.stateRepo == nil || e.sessionID == "" {
		return
	}

	var err error
	if state.CartID == "" && len(state.Lines) == 0 && state.DiscountCode == "" {
		err = e.stateRepo.Delete(e.sessionID)
	} else {
		err = e.stateRepo.Save(state)
	}
	if err != nil {
		e.logger.WithError(err).Warn("failed to persist cart state")
	}
}

func sameSnapshots(a, b []domain.CartLine) bool {
	for i := range a {
		sa, sb := a[i].Snapshot, b[i].Snapshot
		if (sa == nil) != (sb == nil) {
			return false
		}
		if sa != nil && (sa.Name != sb.Name || sa.Stock != sb.Stock || !sa.Price.Equal(sb.Price)) {
			return false
		}
	}
	return true
}

func withoutEmptyLines(lines []domain.CartLine) []domain.CartLine {
	out := lines[:0]
	for _, l := range lines {
		if l.ProductID != "" && l.Quantity > 0 {
			out = append(out, l)
		}
	}
	return out
}

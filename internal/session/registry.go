package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/cart"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// ErrRegistryClosed возвращается после Close.
var ErrRegistryClosed = errors.New("session registry is closed")

// RegistryOptions задаёт зависимости, общие для всех корзин.
type RegistryOptions struct {
	Logger    *log.Entry
	Metrics   *metrics.CartMetrics
	StateRepo domain.CartStateRepository
	Events    domain.OutboxRepository
	Catalog   domain.Catalog
	Clock     func() time.Time
}

// Option настраивает Registry.
type Option func(*RegistryOptions)

func WithLogger(logger *log.Entry) Option {
	return func(opts *RegistryOptions) {
		opts.Logger = logger
	}
}

func WithMetrics(m *metrics.CartMetrics) Option {
	return func(opts *RegistryOptions) {
		opts.Metrics = m
	}
}

// WithStateRepository включает сохранение и восстановление корзин сессий.
func WithStateRepository(repo domain.CartStateRepository) Option {
	return func(opts *RegistryOptions) {
		opts.StateRepo = repo
	}
}

// WithEvents задаёт outbox для событий order.placed.
func WithEvents(repo domain.OutboxRepository) Option {
	return func(opts *RegistryOptions) {
		opts.Events = repo
	}
}

// WithCatalog задаёт каталог, из которого новая корзина загружает скидки.
func WithCatalog(catalog domain.Catalog) Option {
	return func(opts *RegistryOptions) {
		opts.Catalog = catalog
	}
}

// WithClock подменяет источник времени для учёта простоя сессий.
func WithClock(now func() time.Time) Option {
	return func(opts *RegistryOptions) {
		opts.Clock = now
	}
}

type entry struct {
	engine   *cart.Engine
	cancel   context.CancelFunc
	lastSeen time.Time
}

// Registry хранит по одной корзине на сессию и владеет их syncer-горутинами.
type Registry struct {
	gateway domain.CartGateway
	opts    RegistryOptions
	logger  *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

// NewRegistry создаёт реестр; syncer-ы корзин живут, пока жив ctx или до Close.
func NewRegistry(ctx context.Context, gateway domain.CartGateway, options ...Option) *Registry {
	var opts RegistryOptions
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "session-registry")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	runCtx, cancel := context.WithCancel(ctx)
	return &Registry{
		gateway:  gateway,
		opts:     opts,
		logger:   opts.Logger,
		ctx:      runCtx,
		cancel:   cancel,
		sessions: make(map[string]*entry),
	}
}

// New создаёт сессию со свежим uuid.
func (r *Registry) New(ctx context.Context) (string, *cart.Engine, error) {
	id := uuid.NewString()
	engine, err := r.Open(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return id, engine, nil
}

// Open возвращает корзину сессии, создавая и восстанавливая её при первом обращении.
// Загрузка состояния и скидок идёт без блокировки реестра; при гонке двух
// Open одной новой сессии побеждает первая вставка, вторая корзина отбрасывается.
func (r *Registry) Open(ctx context.Context, sessionID string) (*cart.Engine, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domain.ErrSessionRequired
	}

	if engine, ok, err := r.lookup(sessionID); ok || err != nil {
		return engine, err
	}

	built := r.build(ctx, sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if e, ok := r.sessions[sessionID]; ok {
		e.lastSeen = r.opts.Clock()
		return e.engine, nil
	}

	engineCtx, cancel := context.WithCancel(r.ctx)
	r.sessions[sessionID] = &entry{engine: built, cancel: cancel, lastSeen: r.opts.Clock()}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		built.Run(engineCtx)
	}()

	r.opts.Metrics.SessionOpened()
	r.logger.WithField("session_id", sessionID).Debug("cart session opened")
	return built, nil
}

func (r *Registry) lookup(sessionID string) (*cart.Engine, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, ErrRegistryClosed
	}
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, false, nil
	}
	e.lastSeen = r.opts.Clock()
	return e.engine, true, nil
}

func (r *Registry) build(ctx context.Context, sessionID string) *cart.Engine {
	logger := r.logger.WithField("session_id", sessionID)
	options := []cart.Option{
		cart.WithLogger(logger),
		cart.WithMetrics(r.opts.Metrics),
	}
	if r.opts.StateRepo != nil {
		options = append(options, cart.WithStateRepository(r.opts.StateRepo, sessionID))
	}
	if r.opts.Events != nil {
		options = append(options, cart.WithEvents(r.opts.Events))
	}
	engine := cart.NewEngine(r.gateway, options...)

	if r.opts.StateRepo != nil {
		state, err := r.opts.StateRepo.Load(sessionID)
		switch {
		case err == nil:
			engine.Rehydrate(state)
		case errors.Is(err, domain.ErrCartStateNotFound):
		default:
			// повреждённое или недоступное состояние не мешает начать с пустой корзины
			logger.WithError(err).Warn("failed to load cart state, starting empty")
		}
	}

	if r.opts.Catalog != nil {
		if err := engine.LoadDiscounts(ctx, r.opts.Catalog); err != nil {
			logger.WithError(err).Warn("failed to load discounts")
		}
	}
	return engine
}

// Forget останавливает syncer сессии и убирает корзину из памяти.
// Сохранённое состояние не удаляется.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if ok {
		e.cancel()
		r.opts.Metrics.SessionClosed()
	}
}

// EvictIdle выгружает сессии, к которым не обращались дольше idle.
// Сохранённое состояние остаётся, следующий Open восстановит корзину.
func (r *Registry) EvictIdle(idle time.Duration) int {
	deadline := r.opts.Clock().Add(-idle)

	r.mu.Lock()
	var evicted []*entry
	for id, e := range r.sessions {
		if e.lastSeen.After(deadline) {
			continue
		}
		delete(r.sessions, id)
		evicted = append(evicted, e)
	}
	r.mu.Unlock()

	for _, e := range evicted {
		e.cancel()
		r.opts.Metrics.SessionClosed()
	}
	return len(evicted)
}

// RunEviction периодически вызывает EvictIdle до отмены ctx.
func (r *Registry) RunEviction(ctx context.Context, idle, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(idle); n > 0 {
				r.logger.WithFields(log.Fields{"evicted": n, "open": r.Len()}).Debug("idle cart sessions evicted")
			}
		}
	}
}

// Len возвращает число открытых сессий.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close останавливает все syncer-ы и ждёт их завершения. Повторный вызов безопасен.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	count := len(r.sessions)
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	for i := 0; i < count; i++ {
		r.opts.Metrics.SessionClosed()
	}
	r.logger.WithField("sessions", count).Info("session registry closed")
}

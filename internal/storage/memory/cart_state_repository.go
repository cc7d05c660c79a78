package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type cartStateRepositoryInMemory struct {
	mu     sync.RWMutex
	states map[string]domain.CartState
}

// NewCartStateRepository создаёт in-memory хранилище состояний корзин по сессиям.
func NewCartStateRepository() domain.CartStateRepository {
	return &cartStateRepositoryInMemory{states: make(map[string]domain.CartState)}
}

func (r *cartStateRepositoryInMemory) Load(sessionID string) (domain.CartState, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.CartState{}, domain.ErrSessionRequired
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[sessionID]
	if !ok {
		return domain.CartState{}, domain.ErrCartStateNotFound
	}
	return cloneCartState(state), nil
}

func (r *cartStateRepositoryInMemory) Save(state domain.CartState) error {
	state.SessionID = strings.TrimSpace(state.SessionID)
	if state.SessionID == "" {
		return domain.ErrSessionRequired
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.SessionID] = cloneCartState(state)
	return nil
}

// Delete удаляет состояние; отсутствие записи не считается ошибкой.
func (r *cartStateRepositoryInMemory) Delete(sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ErrSessionRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, sessionID)
	return nil
}

func cloneCartState(src domain.CartState) domain.CartState {
	dst := src
	dst.Lines = domain.CloneLines(src.Lines)
	return dst
}

var _ domain.CartStateRepository = (*cartStateRepositoryInMemory)(nil)

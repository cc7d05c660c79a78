package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// lineRecord — форма позиции корзины в колонке cart_sessions.lines (JSONB).
type lineRecord struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Snapshot  *domain.Product `json:"snapshot,omitempty"`
}

type cartStateRepository struct {
	db *sql.DB
}

// NewCartStateRepository создаёт PostgreSQL-реализацию CartStateRepository.
func NewCartStateRepository(store *Store) domain.CartStateRepository {
	return &cartStateRepository{db: store.DB()}
}

func (r *cartStateRepository) Load(sessionID string) (domain.CartState, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.CartState{}, domain.ErrSessionRequired
	}

	ctx, cancel := withOpTimeout()
	defer cancel()

	var (
		state domain.CartState
		raw   []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT session_id, cart_id, lines, discount_code, updated_at
		FROM cart_sessions
		WHERE session_id = $1
	`, sessionID).Scan(&state.SessionID, &state.CartID, &raw, &state.DiscountCode, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CartState{}, domain.ErrCartStateNotFound
		}
		return domain.CartState{}, fmt.Errorf("load cart session %s: %w", sessionID, err)
	}

	var records []lineRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return domain.CartState{}, fmt.Errorf("decode cart lines for session %s: %w", sessionID, err)
	}
	for _, rec := range records {
		state.Lines = append(state.Lines, domain.CartLine{
			ProductID: rec.ProductID,
			Quantity:  rec.Quantity,
			Snapshot:  rec.Snapshot,
		})
	}
	state.UpdatedAt = state.UpdatedAt.UTC()
	return state, nil
}

func (r *cartStateRepository) Save(state domain.CartState) error {
	state.SessionID = strings.TrimSpace(state.SessionID)
	if state.SessionID == "" {
		return domain.ErrSessionRequired
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	records := make([]lineRecord, 0, len(state.Lines))
	for _, l := range state.Lines {
		records = append(records, lineRecord{ProductID: l.ProductID, Quantity: l.Quantity, Snapshot: l.Snapshot})
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode cart lines: %w", err)
	}

	ctx, cancel := withOpTimeout()
	defer cancel()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO cart_sessions (session_id, cart_id, lines, discount_code, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE
		SET cart_id = EXCLUDED.cart_id,
		    lines = EXCLUDED.lines,
		    discount_code = EXCLUDED.discount_code,
		    updated_at = EXCLUDED.updated_at
	`, state.SessionID, state.CartID, raw, state.DiscountCode, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save cart session %s: %w", state.SessionID, err)
	}
	return nil
}

func (r *cartStateRepository) Delete(sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ErrSessionRequired
	}

	ctx, cancel := withOpTimeout()
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM cart_sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete cart session %s: %w", sessionID, err)
	}
	return nil
}

var _ domain.CartStateRepository = (*cartStateRepository)(nil)

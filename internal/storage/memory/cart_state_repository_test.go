package memory_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestCartStateRepository_SaveLoadDelete(t *testing.T) {
	repo := memory.NewCartStateRepository()

	if _, err := repo.Load("sess-1"); !errors.Is(err, domain.ErrCartStateNotFound) {
		t.Fatalf("expected ErrCartStateNotFound, got %v", err)
	}

	state := domain.CartState{
		SessionID:    "sess-1",
		CartID:       "abc",
		DiscountCode: "FLAT10",
		Lines: []domain.CartLine{{
			ProductID: "p1",
			Quantity:  2,
			Snapshot:  &domain.Product{ID: "p1", Name: "Beanie", Price: decimal.RequireFromString("12.99"), Stock: 5},
		}},
	}
	if err := repo.Save(state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// изменение исходного значения не должно влиять на хранилище
	state.Lines[0].Snapshot.Name = "mutated"

	got, err := repo.Load("sess-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.CartID != "abc" || got.DiscountCode != "FLAT10" {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.Lines[0].Snapshot.Name != "Beanie" {
		t.Fatalf("expected stored snapshot to be isolated, got %s", got.Lines[0].Snapshot.Name)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("expected UpdatedAt to be set")
	}

	if err := repo.Delete("sess-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := repo.Delete("sess-1"); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if _, err := repo.Load("sess-1"); !errors.Is(err, domain.ErrCartStateNotFound) {
		t.Fatalf("expected ErrCartStateNotFound after delete, got %v", err)
	}
}

func TestCartStateRepository_SessionRequired(t *testing.T) {
	repo := memory.NewCartStateRepository()

	if err := repo.Save(domain.CartState{SessionID: "  "}); !errors.Is(err, domain.ErrSessionRequired) {
		t.Fatalf("expected ErrSessionRequired, got %v", err)
	}
	if _, err := repo.Load(""); !errors.Is(err, domain.ErrSessionRequired) {
		t.Fatalf("expected ErrSessionRequired, got %v", err)
	}
}

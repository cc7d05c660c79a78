package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItem — минимальное представление позиции, которое хранит backend.
type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CartLine — позиция корзины с локально закешированными данными товара.
type CartLine struct {
	ProductID string
	Quantity  int
	// Snapshot может быть nil, если метаданные товара неизвестны
	// (например, позиция пришла только с сервера).
	Snapshot *Product
}

// UnitPrice возвращает цену из снимка или 0, если цена неизвестна.
func (l CartLine) UnitPrice() decimal.Decimal {
	if l.Snapshot == nil {
		return decimal.Zero
	}
	return l.Snapshot.Price
}

// StockCeiling возвращает остаток из снимка; ok=false, если снимка нет.
func (l CartLine) StockCeiling() (int, bool) {
	if l.Snapshot == nil {
		return 0, false
	}
	return l.Snapshot.Stock, true
}

// Cart — снимок состояния корзины.
type Cart struct {
	ID           string
	Lines        []CartLine
	DiscountCode string
}

// ServerBound сообщает, выдан ли корзине идентификатор на backend.
func (c Cart) ServerBound() bool {
	return c.ID != ""
}

// ServerCart — корзина в том виде, в каком её возвращает backend.
type ServerCart struct {
	ID    string     `json:"id"`
	Items []LineItem `json:"items"`
}

// CartState — персистентная форма корзины сессии.
type CartState struct {
	SessionID    string
	CartID       string
	Lines        []CartLine
	DiscountCode string
	UpdatedAt    time.Time
}

// ToLineItems отбрасывает снимки товаров.
func ToLineItems(lines []CartLine) []LineItem {
	items := make([]LineItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, LineItem{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return items
}

// CloneLines копирует позиции вместе со снимками.
func CloneLines(lines []CartLine) []CartLine {
	if lines == nil {
		return nil
	}
	out := make([]CartLine, len(lines))
	for i, l := range lines {
		out[i] = l
		if l.Snapshot != nil {
			snap := *l.Snapshot
			out[i].Snapshot = &snap
		}
	}
	return out
}

package cart

import "github.com/vladislavdragonenkov/storefront/internal/domain"

// MergeServerLines соединяет авторитетный список позиций сервера с локальными
// снимками товаров по productId. Порядок и количества берутся с сервера,
// позиции с quantity <= 0 отбрасываются.
func MergeServerLines(local []domain.CartLine, server []domain.LineItem) []domain.CartLine {
	snapshots := make(map[string]*domain.Product, len(local))
	for _, l := range local {
		if l.Snapshot != nil {
			snapshots[l.ProductID] = l.Snapshot
		}
	}

	merged := make([]domain.CartLine, 0, len(server))
	for _, item := range server {
		if item.ProductID == "" || item.Quantity <= 0 {
			continue
		}
		merged = append(merged, domain.CartLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Snapshot:  snapshots[item.ProductID],
		})
	}
	return merged
}

// MergeCreatedLines добавляет к локальным позициям те, что уже были в корзине
// на сервере при её создании. Для общих товаров остаётся локальное количество.
func MergeCreatedLines(local []domain.CartLine, server []domain.LineItem) []domain.CartLine {
	merged := domain.CloneLines(local)
	seen := make(map[string]struct{}, len(local))
	for _, l := range local {
		seen[l.ProductID] = struct{}{}
	}

	for _, item := range server {
		if item.ProductID == "" || item.Quantity <= 0 {
			continue
		}
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		merged = append(merged, domain.CartLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return merged
}

// SameLines сравнивает списки по парам productId+quantity с учётом порядка.
func SameLines(a, b []domain.CartLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ProductID != b[i].ProductID || a[i].Quantity != b[i].Quantity {
			return false
		}
	}
	return true
}

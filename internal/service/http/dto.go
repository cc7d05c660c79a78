package httpsvc

import (
	"github.com/vladislavdragonenkov/storefront/internal/cart"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/money"
)

// ProductDTO — товар каталога с признаками относительно корзины сессии.
type ProductDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Price        string `json:"price"`
	Stock        int    `json:"stock"`
	InCart       int    `json:"in_cart"`
	AtStockLimit bool   `json:"at_stock_limit"`
}

type CartLineDTO struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Price     string `json:"price"`
	Quantity  int    `json:"quantity"`
	Stock     *int   `json:"stock,omitempty"`
	LineTotal string `json:"line_total"`
}

// CartDTO — корзина с суммами, округлёнными до копеек.
type CartDTO struct {
	ID           string        `json:"id,omitempty"`
	Items        []CartLineDTO `json:"items"`
	DiscountCode string        `json:"discount_code,omitempty"`
	Subtotal     string        `json:"subtotal"`
	Total        string        `json:"total"`
}

func toProductDTOs(products []domain.Product, lines []domain.CartLine) []ProductDTO {
	inCart := make(map[string]int, len(lines))
	for _, l := range lines {
		inCart[l.ProductID] = l.Quantity
	}

	out := make([]ProductDTO, 0, len(products))
	for _, p := range products {
		qty := inCart[p.ID]
		out = append(out, ProductDTO{
			ID:           p.ID,
			Name:         p.Name,
			Price:        money.Format(p.Price),
			Stock:        p.Stock,
			InCart:       qty,
			AtStockLimit: qty >= p.Stock,
		})
	}
	return out
}

func toCartDTO(engine *cart.Engine) CartDTO {
	snapshot := engine.Snapshot()

	items := make([]CartLineDTO, 0, len(snapshot.Lines))
	for _, l := range snapshot.Lines {
		item := CartLineDTO{
			ProductID: l.ProductID,
			Price:     money.Format(l.UnitPrice()),
			Quantity:  l.Quantity,
			LineTotal: money.Format(cart.Subtotal([]domain.CartLine{l})),
		}
		if l.Snapshot != nil {
			stock := l.Snapshot.Stock
			item.Name = l.Snapshot.Name
			item.Stock = &stock
		}
		items = append(items, item)
	}

	return CartDTO{
		ID:           snapshot.ID,
		Items:        items,
		DiscountCode: snapshot.DiscountCode,
		Subtotal:     money.Format(engine.Subtotal()),
		Total:        money.Format(engine.Total()),
	}
}

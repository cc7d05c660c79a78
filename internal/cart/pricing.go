package cart

import (
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/money"
)

var hundred = decimal.NewFromInt(100)

// Subtotal — сумма price*quantity по позициям; позиция без цены даёт 0.
func Subtotal(lines []domain.CartLine) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.UnitPrice().Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return sum
}

// Total применяет скидку с кодом code (если она есть в каталоге) и округляет
// результат банковским округлением до копеек. Функция чистая.
func Total(lines []domain.CartLine, code string, discounts []domain.Discount) decimal.Decimal {
	subtotal := Subtotal(lines)
	if d, ok := domain.FindDiscount(discounts, code); ok {
		subtotal = ApplyDiscount(subtotal, lines, d)
	}
	return money.Round2(subtotal)
}

// ApplyDiscount применяет скидку к подытогу. Итог не бывает отрицательным.
func ApplyDiscount(subtotal decimal.Decimal, lines []domain.CartLine, d domain.Discount) decimal.Decimal {
	var total decimal.Decimal
	switch d.Kind {
	case domain.DiscountKindFlat:
		total = subtotal.Sub(d.Amount)
	case domain.DiscountKindPercentage, domain.DiscountKindLegacyPercentage:
		total = subtotal.Mul(decimal.NewFromInt(1).Sub(d.Amount.Div(hundred)))
	case domain.DiscountKindBogo:
		total = subtotal.Sub(bogoSavings(lines))
	case domain.DiscountKindUnknown:
		return subtotal
	default:
		return subtotal
	}

	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

// bogoSavings — стоимость бесплатных единиц: floor(quantity/2) * цена по каждой позиции.
func bogoSavings(lines []domain.CartLine) decimal.Decimal {
	savings := decimal.Zero
	for _, l := range lines {
		free := int64(l.Quantity / 2)
		if free <= 0 {
			continue
		}
		savings = savings.Add(l.UnitPrice().Mul(decimal.NewFromInt(free)))
	}
	return savings
}

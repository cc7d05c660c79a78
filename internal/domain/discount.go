package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DiscountKind — закрытый набор видов скидок.
type DiscountKind int

const (
	// DiscountKindUnknown — вид не распознан, итог не корректируется.
	DiscountKindUnknown DiscountKind = iota
	// DiscountKindFlat — фиксированная сумма, итог не опускается ниже нуля.
	DiscountKindFlat
	// DiscountKindPercentage — процент от подытога.
	DiscountKindPercentage
	// DiscountKindBogo — "buy one get one": каждая вторая единица позиции бесплатна.
	DiscountKindBogo
	// DiscountKindLegacyPercentage — старый формат каталога с полем percentage.
	DiscountKindLegacyPercentage
)

// String возвращает вид скидки в wire-формате.
func (k DiscountKind) String() string {
	switch k {
	case DiscountKindFlat:
		return "FLAT"
	case DiscountKindPercentage:
		return "PERCENTAGE"
	case DiscountKindBogo:
		return "BOGO"
	case DiscountKindLegacyPercentage:
		return "LEGACY_PERCENTAGE_FIELD"
	default:
		return "UNKNOWN"
	}
}

// ParseDiscountKind разбирает поле type каталога скидок (без учёта регистра).
func ParseDiscountKind(raw string) DiscountKind {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "FLAT":
		return DiscountKindFlat
	case "PERCENTAGE":
		return DiscountKindPercentage
	case "BOGO":
		return DiscountKindBogo
	case "LEGACY_PERCENTAGE_FIELD":
		return DiscountKindLegacyPercentage
	default:
		return DiscountKindUnknown
	}
}

// Discount — скидка из каталога backend. Только для чтения.
type Discount struct {
	Code   string
	Kind   DiscountKind
	Amount decimal.Decimal
}

type discountWire struct {
	Code       string           `json:"code"`
	Type       string           `json:"type,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Percentage *decimal.Decimal `json:"percentage,omitempty"`
}

// UnmarshalJSON поддерживает оба формата каталога:
// {code, type, amount} и старый {code, percentage}.
func (d *Discount) UnmarshalJSON(data []byte) error {
	var wire discountWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode discount: %w", err)
	}

	d.Code = wire.Code
	d.Amount = decimal.Zero
	if wire.Amount != nil {
		d.Amount = *wire.Amount
	}

	switch {
	case wire.Type != "":
		d.Kind = ParseDiscountKind(wire.Type)
	case wire.Percentage != nil:
		d.Kind = DiscountKindLegacyPercentage
		d.Amount = *wire.Percentage
	default:
		d.Kind = DiscountKindUnknown
	}
	return nil
}

// MarshalJSON отдаёт скидку в формате {code, type, amount}.
func (d Discount) MarshalJSON() ([]byte, error) {
	amount := d.Amount
	return json.Marshal(discountWire{
		Code:   d.Code,
		Type:   d.Kind.String(),
		Amount: &amount,
	})
}

// FindDiscount ищет скидку по коду.
func FindDiscount(discounts []Discount, code string) (Discount, bool) {
	if code == "" {
		return Discount{}, false
	}
	for _, d := range discounts {
		if d.Code == code {
			return d, true
		}
	}
	return Discount{}, false
}

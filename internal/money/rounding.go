package money

import "github.com/shopspring/decimal"

// DefaultPlaces — число знаков после запятой для денежных сумм.
const DefaultPlaces int32 = 2

var (
	half = decimal.NewFromFloat(0.5)
	two  = decimal.NewFromInt(2)
)

// BankersRound округляет значение до places знаков по правилу half-to-even.
//
// Значение масштабируется на 10^places, от него берётся floor и дробный остаток:
// остаток > 0.5 округляется вверх, < 0.5 вниз, ровно 0.5 — к ближайшему чётному.
// Для отрицательных чисел используется тот же floor (в сторону -inf).
func BankersRound(value decimal.Decimal, places int32) decimal.Decimal {
	scaled := value.Shift(places)
	floor := scaled.Floor()
	diff := scaled.Sub(floor)

	switch diff.Cmp(half) {
	case 1:
		floor = floor.Add(decimal.NewFromInt(1))
	case 0:
		if !floor.Mod(two).IsZero() {
			floor = floor.Add(decimal.NewFromInt(1))
		}
	}

	return floor.Shift(-places)
}

// Round2 округляет денежную сумму до копеек.
func Round2(value decimal.Decimal) decimal.Decimal {
	return BankersRound(value, DefaultPlaces)
}

// Format возвращает сумму строкой с двумя знаками после запятой.
func Format(value decimal.Decimal) string {
	return Round2(value).StringFixed(DefaultPlaces)
}

package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Converter 按配置汇率在币种间换算，汇率表示 1 单位外币折合多少基础货币。
type Converter struct {
	base  string
	rates map[string]decimal.Decimal
}

// NewConverter 创建换算器；rates 必须包含基础货币且其汇率为 1。
func NewConverter(base string, rates map[string]decimal.Decimal) (*Converter, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	normalized := make(map[string]decimal.Decimal, len(rates))
	for code, rate := range rates {
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive", code)
		}
		normalized[strings.ToUpper(code)] = rate
	}
	rate, ok := normalized[base]
	if !ok || !rate.Equal(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("base currency %s must have rate 1", base)
	}
	return &Converter{base: base, rates: normalized}, nil
}

// Base returns the base currency code.
func (c *Converter) Base() string {
	return c.base
}

// Supports reports whether a rate is configured for currency.
func (c *Converter) Supports(currency string) bool {
	_, ok := c.rates[strings.ToUpper(currency)]
	return ok
}

// MinorUnits 返回币种的小数位数；中非/西非法郎没有辅币。
func MinorUnits(currency string) int32 {
	switch strings.ToUpper(currency) {
	case "XAF", "XOF", "JPY", "KRW":
		return 0
	default:
		return 2
	}
}

// Convert 把 amount 从 from 换算到 to，并四舍五入到 to 的最小货币单位。
func (c *Converter) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	baseAmount, err := c.toBaseExact(amount, from)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, ok := c.rates[strings.ToUpper(to)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, to)
	}
	return baseAmount.DivRound(toRate, 8).Round(MinorUnits(to)), nil
}

// ChargeAmount 与 Convert 相同，但向上取整，避免换算后少收。
func (c *Converter) ChargeAmount(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	baseAmount, err := c.toBaseExact(amount, from)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, ok := c.rates[strings.ToUpper(to)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, to)
	}
	return baseAmount.DivRound(toRate, 8).RoundCeil(MinorUnits(to)), nil
}

// ToBase converts amount into the base currency.
func (c *Converter) ToBase(amount decimal.Decimal, from string) (decimal.Decimal, error) {
	return c.Convert(amount, from, c.base)
}

func (c *Converter) toBaseExact(amount decimal.Decimal, from string) (decimal.Decimal, error) {
	fromRate, ok := c.rates[strings.ToUpper(from)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, from)
	}
	return amount.Mul(fromRate), nil
}

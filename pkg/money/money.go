package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrDivisionByZero = errors.New("money: division by zero")

// Context carries the precision policy for a single computation. Callers pass
// it explicitly; there is no package-level mutable configuration.
type Context struct {
	// MaxDecimals is the scale multiplication and division results are
	// truncated to. Truncation rounds toward zero, so balances are never
	// overstated.
	MaxDecimals int32
}

func DefaultContext() Context { return Context{MaxDecimals: 18} }

func (c Context) Parse(s string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return decimal.Decimal{}, fmt.Errorf("money: empty amount")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("money: invalid amount %q", s)
	}
	return d, nil
}

func (c Context) Add(a, b string) (string, error) {
	da, db, err := c.parsePair(a, b)
	if err != nil {
		return "", err
	}
	return da.Add(db).String(), nil
}

func (c Context) Sub(a, b string) (string, error) {
	da, db, err := c.parsePair(a, b)
	if err != nil {
		return "", err
	}
	return da.Sub(db).String(), nil
}

func (c Context) Mul(a, b string) (string, error) {
	da, db, err := c.parsePair(a, b)
	if err != nil {
		return "", err
	}
	return da.Mul(db).Truncate(c.MaxDecimals).String(), nil
}

func (c Context) Div(a, b string) (string, error) {
	da, db, err := c.parsePair(a, b)
	if err != nil {
		return "", err
	}
	if db.IsZero() {
		return "", ErrDivisionByZero
	}
	// DivisionPrecision headroom before truncating to the context scale.
	return da.DivRound(db, c.MaxDecimals+2).Truncate(c.MaxDecimals).String(), nil
}

// Cmp returns -1, 0, or 1 when a is less than, equal to, or greater than b.
func (c Context) Cmp(a, b string) (int, error) {
	da, db, err := c.parsePair(a, b)
	if err != nil {
		return 0, err
	}
	return da.Cmp(db), nil
}

func (c Context) IsPositive(a string) (bool, error) {
	d, err := c.Parse(a)
	if err != nil {
		return false, err
	}
	return d.IsPositive(), nil
}

func (c Context) parsePair(a, b string) (decimal.Decimal, decimal.Decimal, error) {
	da, err := c.Parse(a)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	db, err := c.Parse(b)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return da, db, nil
}

package differential

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies how cursor values are ordered.
type Kind string

const (
	KindTime   Kind = "time"
	KindNumber Kind = "number"
	KindString Kind = "string"
)

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindTime, "":
		return KindTime, nil
	case KindNumber:
		return KindNumber, nil
	case KindString:
		return KindString, nil
	default:
		return "", fmt.Errorf("unknown cursor kind %q", s)
	}
}

// Cursor is the last-seen position in an ordered result set.
type Cursor struct {
	Kind   Kind
	Time   time.Time
	Number decimal.Decimal
	Text   string
}

// TimeCursor builds a time cursor.
func TimeCursor(t time.Time) Cursor { return Cursor{Kind: KindTime, Time: t.UTC()} }

// NumberCursor builds a numeric cursor.
func NumberCursor(d decimal.Decimal) Cursor { return Cursor{Kind: KindNumber, Number: d} }

// StringCursor builds a lexicographic cursor.
func StringCursor(s string) Cursor { return Cursor{Kind: KindString, Text: s} }

// Compare returns -1, 0 or 1. Cursors of different kinds are not comparable and compare as equal.
func (c Cursor) Compare(o Cursor) int {
	if c.Kind != o.Kind {
		return 0
	}
	switch c.Kind {
	case KindTime:
		return c.Time.Compare(o.Time)
	case KindNumber:
		return c.Number.Cmp(o.Number)
	default:
		return strings.Compare(c.Text, o.Text)
	}
}

// After reports whether c is strictly greater than o.
func (c Cursor) After(o Cursor) bool { return c.Compare(o) > 0 }

// String renders the cursor in the form accepted by ParseCursor.
func (c Cursor) String() string {
	switch c.Kind {
	case KindTime:
		return c.Time.UTC().Format(time.RFC3339Nano)
	case KindNumber:
		return c.Number.String()
	default:
		return c.Text
	}
}

// Value returns the cursor as a driver-friendly scalar.
func (c Cursor) Value() any {
	switch c.Kind {
	case KindTime:
		return c.Time
	case KindNumber:
		if c.Number.IsInteger() {
			return c.Number.IntPart()
		}
		f, _ := c.Number.Float64()
		return f
	default:
		return c.Text
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseCursor parses a textual cursor of the given kind.
func ParseCursor(kind Kind, s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	switch kind {
	case KindTime:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return TimeCursor(t), nil
			}
		}
		return Cursor{}, fmt.Errorf("parse time cursor %q", s)
	case KindNumber:
		d, err := decimal.NewFromString(s)
		if err != nil {
			return Cursor{}, fmt.Errorf("parse number cursor %q: %w", s, err)
		}
		return NumberCursor(d), nil
	case KindString:
		return StringCursor(s), nil
	default:
		return Cursor{}, fmt.Errorf("unknown cursor kind %q", kind)
	}
}

// CursorFromValue converts a row value into a cursor of the given kind.
func CursorFromValue(kind Kind, v any) (Cursor, error) {
	switch kind {
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return TimeCursor(t), nil
		case *time.Time:
			if t != nil {
				return TimeCursor(*t), nil
			}
		case string:
			return ParseCursor(KindTime, t)
		case []byte:
			return ParseCursor(KindTime, string(t))
		}
	case KindNumber:
		if d, ok := Numeric(v); ok {
			return NumberCursor(d), nil
		}
	case KindString:
		switch s := v.(type) {
		case string:
			return StringCursor(s), nil
		case []byte:
			return StringCursor(string(s)), nil
		case fmt.Stringer:
			return StringCursor(s.String()), nil
		}
	}
	return Cursor{}, fmt.Errorf("value %v (%T) is not a %s cursor", v, v, kind)
}

// Numeric converts integer, float, decimal and numeric text values to a decimal.
func Numeric(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	case []byte:
		d, err := decimal.NewFromString(strings.TrimSpace(string(n)))
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

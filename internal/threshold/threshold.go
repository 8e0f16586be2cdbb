// Package threshold evaluates bound, average and range rules against a batch of rows.
package threshold

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"azure-utilities/internal/config"
	"azure-utilities/internal/differential"
)

// AverageRule compares the batch mean against optional bounds.
type AverageRule struct {
	GreaterThan *decimal.Decimal
	LessThan    *decimal.Decimal
}

// Range is a closed interval; values outside it violate the rule.
type Range struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Rule combines every configured condition. Any single violation triggers.
type Rule struct {
	GreaterThan *decimal.Decimal
	LessThan    *decimal.Decimal
	Average     *AverageRule
	Between     *Range
}

// Violation describes one failed condition.
type Violation struct {
	Condition string
	Value     decimal.Decimal
	Bound     string
	// Row is the index in the evaluated batch, -1 for aggregate conditions.
	Row int
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (bound %s)", v.Condition, v.Value.String(), v.Bound)
}

// Result summarises an evaluation.
type Result struct {
	Violated   bool
	Violations []Violation
	Count      int
	Max        *decimal.Decimal
	Min        *decimal.Decimal
	Mean       *decimal.Decimal
	Latest     *decimal.Decimal
}

// TypeError reports a value that cannot be evaluated numerically.
type TypeError struct {
	Column string
	Row    int
	Value  any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("column %q row %d: value %v (%T) is not numeric", e.Column, e.Row, e.Value, e.Value)
}

// ErrNoRule is returned by FromConfig when nothing is configured.
var ErrNoRule = errors.New("no threshold configured")

// FromConfig converts the configuration block into a Rule.
func FromConfig(cfg config.ThresholdConfig) (Rule, error) {
	if cfg.IsZero() {
		return Rule{}, ErrNoRule
	}
	var r Rule
	r.GreaterThan = fromFloat(cfg.GreaterThan)
	r.LessThan = fromFloat(cfg.LessThan)
	if cfg.AvgGreater != nil || cfg.AvgLess != nil {
		r.Average = &AverageRule{GreaterThan: fromFloat(cfg.AvgGreater), LessThan: fromFloat(cfg.AvgLess)}
	}
	if len(cfg.ValuesBetween) > 0 {
		if len(cfg.ValuesBetween) != 2 {
			return Rule{}, fmt.Errorf("values_between needs exactly two values, got %d", len(cfg.ValuesBetween))
		}
		lo := decimal.NewFromFloat(cfg.ValuesBetween[0])
		hi := decimal.NewFromFloat(cfg.ValuesBetween[1])
		if lo.GreaterThan(hi) {
			return Rule{}, fmt.Errorf("values_between lower bound %s exceeds upper bound %s", lo, hi)
		}
		r.Between = &Range{Min: lo, Max: hi}
	}
	return r, nil
}

func fromFloat(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}

// IsZero reports whether no condition is set.
func (r Rule) IsZero() bool {
	return r.GreaterThan == nil && r.LessThan == nil && r.Between == nil &&
		(r.Average == nil || (r.Average.GreaterThan == nil && r.Average.LessThan == nil))
}

// String renders the rule for notifications and logs.
func (r Rule) String() string {
	var parts []string
	if r.GreaterThan != nil {
		parts = append(parts, "> "+r.GreaterThan.String())
	}
	if r.LessThan != nil {
		parts = append(parts, "< "+r.LessThan.String())
	}
	if r.Average != nil {
		if r.Average.GreaterThan != nil {
			parts = append(parts, "avg > "+r.Average.GreaterThan.String())
		}
		if r.Average.LessThan != nil {
			parts = append(parts, "avg < "+r.Average.LessThan.String())
		}
	}
	if r.Between != nil {
		parts = append(parts, fmt.Sprintf("within [%s, %s]", r.Between.Min, r.Between.Max))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

// Evaluate checks every row's column value against the rule. Rows missing the
// column are skipped; non-numeric values abort with a *TypeError.
func (r Rule) Evaluate(rows []differential.Row, column string) (Result, error) {
	values := make([]decimal.Decimal, 0, len(rows))
	indexes := make([]int, 0, len(rows))
	for i, row := range rows {
		raw, ok := row[column]
		if !ok || raw == nil {
			continue
		}
		d, ok := differential.Numeric(raw)
		if !ok {
			return Result{}, &TypeError{Column: column, Row: i, Value: raw}
		}
		values = append(values, d)
		indexes = append(indexes, i)
	}
	return r.EvaluateValues(values, indexes), nil
}

// EvaluateValues runs the rule against already numeric values. indexes may be
// nil, in which case positions are used.
func (r Rule) EvaluateValues(values []decimal.Decimal, indexes []int) Result {
	res := Result{Count: len(values)}
	if len(values) == 0 {
		return res
	}

	rowOf := func(i int) int {
		if indexes != nil {
			return indexes[i]
		}
		return i
	}

	sum := decimal.Zero
	maxV, minV := values[0], values[0]
	for i, v := range values {
		sum = sum.Add(v)
		if v.GreaterThan(maxV) {
			maxV = v
		}
		if v.LessThan(minV) {
			minV = v
		}
		if r.GreaterThan != nil && v.GreaterThan(*r.GreaterThan) {
			res.Violations = append(res.Violations, Violation{Condition: "greater_than", Value: v, Bound: r.GreaterThan.String(), Row: rowOf(i)})
		}
		if r.LessThan != nil && v.LessThan(*r.LessThan) {
			res.Violations = append(res.Violations, Violation{Condition: "less_than", Value: v, Bound: r.LessThan.String(), Row: rowOf(i)})
		}
		if r.Between != nil && (v.LessThan(r.Between.Min) || v.GreaterThan(r.Between.Max)) {
			res.Violations = append(res.Violations, Violation{
				Condition: "values_between",
				Value:     v,
				Bound:     fmt.Sprintf("[%s, %s]", r.Between.Min, r.Between.Max),
				Row:       rowOf(i),
			})
		}
	}

	mean := sum.Div(decimal.NewFromInt(int64(len(values))))
	latest := values[len(values)-1]
	res.Max, res.Min, res.Mean, res.Latest = &maxV, &minV, &mean, &latest

	if r.Average != nil {
		if r.Average.GreaterThan != nil && mean.GreaterThan(*r.Average.GreaterThan) {
			res.Violations = append(res.Violations, Violation{Condition: "avg_greater_than", Value: mean, Bound: r.Average.GreaterThan.String(), Row: -1})
		}
		if r.Average.LessThan != nil && mean.LessThan(*r.Average.LessThan) {
			res.Violations = append(res.Violations, Violation{Condition: "avg_less_than", Value: mean, Bound: r.Average.LessThan.String(), Row: -1})
		}
	}

	res.Violated = len(res.Violations) > 0
	return res
}

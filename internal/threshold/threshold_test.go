package threshold

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"azure-utilities/internal/config"
	"azure-utilities/internal/differential"
)

func rowsOf(values ...any) []differential.Row {
	rows := make([]differential.Row, len(values))
	for i, v := range values {
		rows[i] = differential.Row{"value": v}
	}
	return rows
}

func dec(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestGreaterThan(t *testing.T) {
	rule := Rule{GreaterThan: dec(5)}

	res, err := rule.Evaluate(rowsOf(1, 6, 3), "value")
	require.NoError(t, err)
	require.True(t, res.Violated)
	require.Len(t, res.Violations, 1)
	require.Equal(t, 1, res.Violations[0].Row)

	res, err = rule.Evaluate(rowsOf(1, 5, 3), "value")
	require.NoError(t, err)
	require.False(t, res.Violated, "max equal to the bound must not trigger")
}

func TestLessThan(t *testing.T) {
	res, err := Rule{LessThan: dec(0)}.Evaluate(rowsOf(3, -1), "value")
	require.NoError(t, err)
	require.True(t, res.Violated)
	require.Equal(t, "less_than", res.Violations[0].Condition)
}

func TestAverage(t *testing.T) {
	rule := Rule{Average: &AverageRule{GreaterThan: dec(15)}}

	res, err := rule.Evaluate(rowsOf(10, 20, 30), "value")
	require.NoError(t, err)
	require.True(t, res.Violated)
	require.True(t, res.Mean.Equal(decimal.NewFromInt(20)))
	require.Equal(t, -1, res.Violations[0].Row)

	res, err = rule.Evaluate(rowsOf(1, 2, 3), "value")
	require.NoError(t, err)
	require.False(t, res.Violated)
}

func TestBetweenIsInclusive(t *testing.T) {
	rule := Rule{Between: &Range{Min: decimal.Zero, Max: decimal.NewFromInt(100)}}

	res, err := rule.Evaluate(rowsOf(150), "value")
	require.NoError(t, err)
	require.True(t, res.Violated)

	for _, v := range []any{50, 0, 100} {
		res, err = rule.Evaluate(rowsOf(v), "value")
		require.NoError(t, err)
		require.False(t, res.Violated, "value %v is inside the range", v)
	}
}

func TestNonNumericFailsFast(t *testing.T) {
	_, err := Rule{GreaterThan: dec(5)}.Evaluate(rowsOf(1, "high"), "value")
	var typeErr *TypeError
	require.True(t, errors.As(err, &typeErr))
	require.Equal(t, 1, typeErr.Row)
	require.Equal(t, "value", typeErr.Column)
}

func TestNumericTextAndMissingColumn(t *testing.T) {
	rows := append(rowsOf("7.5", []byte("2")), differential.Row{"other": 100})
	res, err := Rule{GreaterThan: dec(5)}.Evaluate(rows, "value")
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	require.True(t, res.Violated)
	require.True(t, res.Latest.Equal(decimal.NewFromInt(2)))
}

func TestEmptyBatch(t *testing.T) {
	res, err := Rule{GreaterThan: dec(5)}.Evaluate(nil, "value")
	require.NoError(t, err)
	require.False(t, res.Violated)
	require.Nil(t, res.Mean)
}

func TestFromConfig(t *testing.T) {
	gt, avg := 5.0, 15.0
	rule, err := FromConfig(config.ThresholdConfig{GreaterThan: &gt, AvgGreater: &avg, ValuesBetween: []float64{0, 100}})
	require.NoError(t, err)
	require.NotNil(t, rule.GreaterThan)
	require.Nil(t, rule.LessThan)
	require.NotNil(t, rule.Average)
	require.Nil(t, rule.Average.LessThan)
	require.Equal(t, "> 5, avg > 15, within [0, 100]", rule.String())

	_, err = FromConfig(config.ThresholdConfig{})
	require.ErrorIs(t, err, ErrNoRule)

	_, err = FromConfig(config.ThresholdConfig{ValuesBetween: []float64{9, 1}})
	require.Error(t, err)
}

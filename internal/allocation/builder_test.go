package allocation_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandi/auction/internal/allocation"
	"github.com/mandi/auction/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func weightLot(t *testing.T, kg string) *domain.Lot {
	t.Helper()
	lot, err := domain.NewLot("F1", "Tomato", d(kg), decimal.Zero)
	require.NoError(t, err)
	return lot
}

func TestAddLineOverAllocation(t *testing.T) {
	b := allocation.NewBuilder(weightLot(t, "340"))

	err := b.AddLine("T1", d("341"), d("20"))
	require.ErrorIs(t, err, domain.ErrOverAllocation)

	var qe *domain.QuantityError
	require.True(t, errors.As(err, &qe))
	assert.True(t, qe.Max.Equal(d("340")))
	assert.Equal(t, domain.UnitWeight, qe.Unit)
	assert.Contains(t, err.Error(), "max allocatable: 340kg")
	assert.Equal(t, 0, b.Len())
}

func TestAddLineAccumulates(t *testing.T) {
	b := allocation.NewBuilder(weightLot(t, "500"))

	require.NoError(t, b.AddLine("T1", d("200"), d("20")))
	require.NoError(t, b.AddLine("T2", d("250"), d("21")))
	assert.True(t, b.Total().Equal(d("450")))
	assert.True(t, b.RemainingAfterDraft().Equal(d("50")))

	err := b.AddLine("T3", d("60"), d("19"))
	var qe *domain.QuantityError
	require.True(t, errors.As(err, &qe))
	assert.True(t, qe.Max.Equal(d("50")))
}

func TestAddLineInvalid(t *testing.T) {
	b := allocation.NewBuilder(weightLot(t, "100"))

	assert.ErrorIs(t, b.AddLine("T1", decimal.Zero, d("20")), domain.ErrInvalidLine)
	assert.ErrorIs(t, b.AddLine("T1", d("-1"), d("20")), domain.ErrInvalidLine)
	assert.ErrorIs(t, b.AddLine("T1", d("10"), decimal.Zero), domain.ErrInvalidLine)
	assert.ErrorIs(t, b.AddLine("  ", d("10"), d("20")), domain.ErrInvalidLine)
}

func TestAddLineDuplicateTrader(t *testing.T) {
	b := allocation.NewBuilder(weightLot(t, "100"))
	require.NoError(t, b.AddLine("T1", d("10"), d("20")))

	assert.ErrorIs(t, b.AddLine("T1", d("5"), d("21")), domain.ErrDuplicateTrader)
}

func TestEditLineExcludesItself(t *testing.T) {
	b := allocation.NewBuilder(weightLot(t, "100"))
	require.NoError(t, b.AddLine("T1", d("60"), d("20")))
	require.NoError(t, b.AddLine("T2", d("40"), d("20")))

	require.NoError(t, b.EditLine(0, d("55"), d("22")))
	assert.True(t, b.Lines()[0].Quantity.Equal(d("55")))
	assert.True(t, b.Lines()[0].Rate.Equal(d("22")))

	err := b.EditLine(0, d("61"), d("22"))
	var qe *domain.QuantityError
	require.True(t, errors.As(err, &qe))
	assert.True(t, qe.Max.Equal(d("60")))
}

func TestEditAndRemoveBadIndex(t *testing.T) {
	b := allocation.NewBuilder(weightLot(t, "100"))

	assert.ErrorIs(t, b.EditLine(0, d("1"), d("1")), domain.ErrInvalidArgument)
	assert.ErrorIs(t, b.RemoveLine(-1), domain.ErrInvalidArgument)
}

func TestRemoveLine(t *testing.T) {
	b := allocation.NewBuilder(weightLot(t, "100"))
	require.NoError(t, b.AddLine("T1", d("60"), d("20")))
	require.NoError(t, b.AddLine("T2", d("40"), d("20")))

	require.NoError(t, b.RemoveLine(0))
	require.Equal(t, 1, b.Len())
	assert.Equal(t, "T2", b.Lines()[0].TraderID)
	require.NoError(t, b.AddLine("T1", d("60"), d("20")), "removed trader can be added again")
}

func TestLinesIsACopy(t *testing.T) {
	b := allocation.NewBuilder(weightLot(t, "100"))
	require.NoError(t, b.AddLine("T1", d("10"), d("20")))

	lines := b.Lines()
	lines[0].Quantity = d("99")
	assert.True(t, b.Total().Equal(d("10")))
}

func TestSnapshotIgnoresLaterLotChanges(t *testing.T) {
	lot := weightLot(t, "500")
	b := allocation.NewBuilder(lot)
	require.NoError(t, lot.Reserve(d("400")))

	require.NoError(t, b.AddLine("T1", d("450"), d("20")))
}

func TestRebuildAgainstCurrentLot(t *testing.T) {
	lot := weightLot(t, "500")
	lines := []allocation.Line{
		{TraderID: "T1", Quantity: d("200"), Rate: d("20")},
		{TraderID: "T2", Quantity: d("100"), Rate: d("20")},
	}

	b, err := allocation.Rebuild(lot, lines)
	require.NoError(t, err)
	assert.True(t, b.RemainingAfterDraft().Equal(d("200")))

	require.NoError(t, lot.Reserve(d("250")))
	_, err = allocation.Rebuild(lot, lines)
	assert.ErrorIs(t, err, domain.ErrOverAllocation)
	assert.Contains(t, err.Error(), "line 2")
}

func TestCountLotUnit(t *testing.T) {
	lot, err := domain.NewLot("F1", "Banana", decimal.Zero, d("12"))
	require.NoError(t, err)
	b := allocation.NewBuilder(lot)

	assert.Equal(t, domain.UnitCount, b.Unit())
	err = b.AddLine("T1", d("13"), d("300"))
	assert.Contains(t, err.Error(), "max allocatable: 12 crt")
}

func TestLineAmount(t *testing.T) {
	l := allocation.Line{TraderID: "T1", Quantity: d("100"), Rate: d("20")}
	assert.True(t, l.Amount().Equal(d("2000")))
}

func TestAddLineRejectsUnboundedDecimals(t *testing.T) {
	b := allocation.NewBuilder(weightLot(t, "100"))

	cases := map[string]struct{ qty, rate string }{
		"rate exponent at int32 floor": {qty: "0.5", rate: "1e-2147483648"},
		"quantity tiny exponent":       {qty: "1e-20000000", rate: "20"},
		"quantity huge exponent":       {qty: "1e400", rate: "20"},
		"quantity scale":               {qty: "0.0001", rate: "20"},
		"rate scale":                   {qty: "10", rate: "20.001"},
		"rate magnitude":               {qty: "10", rate: "1000000001"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := b.AddLine("T1", d(tc.qty), d(tc.rate))
			assert.ErrorIs(t, err, domain.ErrInvalidLine)
			assert.Less(t, len(err.Error()), 200)
		})
	}
	assert.Equal(t, 0, b.Len())

	require.NoError(t, b.AddLine("T1", d("10.125"), d("20.50")))
	assert.ErrorIs(t, b.EditLine(0, d("10"), d("1e-2147483648")), domain.ErrInvalidLine)
}

func TestCountLineMustBeWhole(t *testing.T) {
	lot, err := domain.NewLot("F1", "Banana", decimal.Zero, d("12"))
	require.NoError(t, err)
	b := allocation.NewBuilder(lot)

	assert.ErrorIs(t, b.AddLine("T1", d("2.5"), d("300")), domain.ErrInvalidLine)
	require.NoError(t, b.AddLine("T1", d("2"), d("300")))
}

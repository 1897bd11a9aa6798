package receivables_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/account-ledger/receivables"
)

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sale(id string, total, paid string, date time.Time) receivables.Sale {
	return receivables.Sale{
		ID:         receivables.SaleID(id),
		CustomerID: "cust-1",
		Total:      money(total),
		PaidAmount: money(paid),
		Status:     receivables.StatusFor(money(total), money(paid)),
		Date:       date,
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		total, paid string
		want        receivables.PaymentStatus
	}{
		{"100", "0", receivables.StatusPending},
		{"100", "20", receivables.StatusPartial},
		{"100", "99.99", receivables.StatusPaid},
		{"100", "100", receivables.StatusPaid},
		{"100", "150", receivables.StatusPaid},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, receivables.StatusFor(money(tc.total), money(tc.paid)), "%s/%s", tc.total, tc.paid)
	}
}

func TestApply_PartialThenPaid(t *testing.T) {
	s := sale("S1", "100", "0", time.Now())

	status, err := receivables.Apply(&s, money("40"))
	require.NoError(t, err)
	assert.Equal(t, receivables.StatusPartial, status)

	status, err = receivables.Apply(&s, money("80"))
	require.NoError(t, err)
	assert.Equal(t, receivables.StatusPaid, status)
	assert.Equal(t, "120", s.PaidAmount.String(), "overpayment is kept")
	assert.True(t, s.Pending().IsZero(), "pending clamps at zero")
}

func TestApply_Rejections(t *testing.T) {
	s := sale("S1", "100", "0", time.Now())
	_, err := receivables.Apply(&s, decimal.Zero)
	assert.Error(t, err)

	s.Status = receivables.StatusRejected
	_, err = receivables.Apply(&s, money("10"))
	assert.ErrorIs(t, err, receivables.ErrSaleRejected)
	assert.True(t, s.PaidAmount.IsZero())
}

func TestToPending_OldestFirstSkipsSettled(t *testing.T) {
	// GIVEN: Sales on different dates, one paid, one rejected, two tied on date
	// WHEN: Building the pending list
	// THEN: Only outstanding sales, ordered by date then id

	d1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	rejected := sale("S0", "10", "0", d1)
	rejected.Status = receivables.StatusRejected

	pending := receivables.ToPending([]receivables.Sale{
		sale("S9", "50", "0", d2),
		sale("S3", "70", "20", d2),
		sale("S1", "100", "100", d1),
		rejected,
		sale("S2", "30", "0", d1),
	})

	require.Len(t, pending, 3)
	assert.Equal(t, receivables.SaleID("S2"), pending[0].SaleID)
	assert.Equal(t, receivables.SaleID("S3"), pending[1].SaleID)
	assert.Equal(t, "50", pending[1].Pending.String())
	assert.Equal(t, receivables.SaleID("S9"), pending[2].SaleID)
	assert.Equal(t, "130", receivables.TotalPending(pending).String())
}

func TestNormalize(t *testing.T) {
	loc := time.FixedZone("ART", -3*3600)
	s, err := receivables.Normalize(receivables.Sale{
		ID:         "S1",
		CustomerID: "cust-1",
		Total:      money("100.005"),
		PaidAmount: money("100"),
		Date:       time.Date(2025, 1, 1, 21, 0, 0, 0, loc),
	})
	require.NoError(t, err)
	assert.Equal(t, "100", s.Total.String())
	assert.Equal(t, receivables.StatusPaid, s.Status)
	assert.Equal(t, time.UTC, s.Date.Location())

	s.Status = receivables.StatusRejected
	s, err = receivables.Normalize(s)
	require.NoError(t, err)
	assert.Equal(t, receivables.StatusRejected, s.Status, "rejected sales stay rejected")

	for _, bad := range []receivables.Sale{
		{CustomerID: "c", Total: money("1")},
		{ID: "S", Total: money("1")},
		{ID: "S", CustomerID: "c", Total: decimal.Zero},
		{ID: "S", CustomerID: "c", Total: money("1"), PaidAmount: money("-1")},
	} {
		_, err := receivables.Normalize(bad)
		assert.Error(t, err)
	}
}

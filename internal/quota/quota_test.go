package quota

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konform/internal/errs"
)

func testLedger(t *testing.T, plan string) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "quota.db"), plan)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestReserveUntilExhausted(t *testing.T) {
	l := testLedger(t, "free")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Reserve(ctx, "user-a", ResourceScan), "reservation %d", i)
	}
	err := l.Reserve(ctx, "user-a", ResourceScan)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.QuotaExceeded))
	assert.Equal(t, "quota_exceeded", errs.CodeOf(err))
}

func TestScanAndFixBudgetsAreSeparate(t *testing.T) {
	l := testLedger(t, "free")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Reserve(ctx, "user-a", ResourceFix))
	}
	assert.True(t, errs.Is(l.Reserve(ctx, "user-a", ResourceFix), errs.QuotaExceeded))

	// the scan budget is untouched
	require.NoError(t, l.Reserve(ctx, "user-a", ResourceScan))
}

func TestExportBudget(t *testing.T) {
	l := testLedger(t, "free")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Reserve(ctx, "user-a", ResourceExport), "reservation %d", i)
	}
	assert.True(t, errs.Is(l.Reserve(ctx, "user-a", ResourceExport), errs.QuotaExceeded))

	usage, err := l.UsageOf(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 10, usage.ExportsUsed)
	assert.Equal(t, 10, usage.ExportLimit)

	// Exports draw on their own counter.
	require.NoError(t, l.Reserve(ctx, "user-a", ResourceScan))
	require.NoError(t, l.Reserve(ctx, "user-a", ResourceFix))
}

func TestRefundReopensBudget(t *testing.T) {
	l := testLedger(t, "free")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Reserve(ctx, "user-a", ResourceScan))
	}
	require.NoError(t, l.Refund(ctx, "user-a", ResourceScan))
	require.NoError(t, l.Reserve(ctx, "user-a", ResourceScan))
	assert.True(t, errs.Is(l.Reserve(ctx, "user-a", ResourceScan), errs.QuotaExceeded))
}

func TestUnlimitedPlanNeverExhausts(t *testing.T) {
	l := testLedger(t, "unlimited")
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Reserve(ctx, "user-a", ResourceScan))
	}
}

// Successful reservations plus quota_exceeded rejections must add up
// exactly; a race can never overspend the last unit.
func TestConcurrentReservationsNeverOverspend(t *testing.T) {
	l := testLedger(t, "free")
	ctx := context.Background()

	const attempts = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted, rejected := 0, 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Reserve(ctx, "user-a", ResourceScan)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errs.Is(err, errs.QuotaExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)
	assert.Equal(t, attempts-10, rejected)

	u, err := l.UsageOf(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, 10, u.ScansUsed)
}

func TestMonthlyRollover(t *testing.T) {
	l := testLedger(t, "free")
	ctx := context.Background()

	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Reserve(ctx, "user-a", ResourceScan))
	}
	assert.True(t, errs.Is(l.Reserve(ctx, "user-a", ResourceScan), errs.QuotaExceeded))

	now = now.AddDate(0, 1, 0)
	require.NoError(t, l.Reserve(ctx, "user-a", ResourceScan))

	u, err := l.UsageOf(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, "2026-09", u.Period)
	assert.Equal(t, 1, u.ScansUsed)
}

func TestSetPlan(t *testing.T) {
	l := testLedger(t, "free")
	ctx := context.Background()

	require.NoError(t, l.SetPlan(ctx, "user-a", "pro"))
	u, err := l.UsageOf(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, "pro", u.Plan)
	assert.Equal(t, 100, u.ScanLimit)

	assert.True(t, errs.Is(l.SetPlan(ctx, "user-a", "platinum"), errs.InvalidInput))
}

func TestAuditTrailOrder(t *testing.T) {
	l := testLedger(t, "free")
	ctx := context.Background()

	require.NoError(t, l.Audit(ctx, "user-a", "scan_started", "scan-1", ""))
	require.NoError(t, l.Audit(ctx, "user-a", "scan_finished", "scan-1", "score=70"))
	require.NoError(t, l.Audit(ctx, "user-b", "scan_started", "scan-2", ""))

	entries, err := l.AuditTrail(ctx, "user-a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "scan_finished", entries[0].Action) // newest first
	assert.Equal(t, "scan_started", entries[1].Action)
}

func TestFeedbackIsWriteOnce(t *testing.T) {
	l := testLedger(t, "free")
	ctx := context.Background()

	require.NoError(t, l.RecordFeedback(ctx, "fix-1", "user-a", 5, "worked"))
	err := l.RecordFeedback(ctx, "fix-1", "user-a", 1, "changed my mind")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidInput))
}

func TestFeedbackRatingRange(t *testing.T) {
	l := testLedger(t, "free")
	ctx := context.Background()

	for _, rating := range []int{0, -1, 6, 42} {
		err := l.RecordFeedback(ctx, "fix-1", "user-a", rating, "")
		require.Error(t, err, "rating %d", rating)
		assert.True(t, errs.Is(err, errs.InvalidInput))
	}
	// Rejected ratings must not burn the write-once slot.
	require.NoError(t, l.RecordFeedback(ctx, "fix-1", "user-a", 3, ""))
}

func TestConsentReceipts(t *testing.T) {
	l := testLedger(t, "free")
	ctx := context.Background()

	require.NoError(t, l.RecordConsent(ctx, "user-a", "scan-1", "publish generated imprint"))
	receipts, err := l.Consents(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "publish generated imprint", receipts[0].Purpose)
}

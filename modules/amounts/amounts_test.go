package amounts

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kx-labs/tracewatch/pkg/model"
)

type fakeTransactions struct {
	txs []Transaction
	err error
}

func (f *fakeTransactions) Recent(context.Context, time.Duration) ([]Transaction, error) {
	return f.txs, f.err
}

type fakeHistory struct {
	mtx      sync.Mutex
	inserted []model.Anomaly
	err      error
}

func (f *fakeHistory) InsertAnomaly(_ context.Context, a model.Anomaly) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.inserted = append(f.inserted, a)
	return f.err
}

func (f *fakeHistory) count() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.inserted)
}

func testConfig() Config {
	cfg := Config{
		PollInterval: time.Minute,
		Window:       24 * time.Hour,
		MinSamples:   20,
		Retention:    15 * time.Minute,
	}
	return cfg
}

func newTestAmounts(source TransactionSource, store HistoryWriter) *Amounts {
	return New(testConfig(), source, store, log.NewNopLogger())
}

func TestRecordTransactionMoments(t *testing.T) {
	a := newTestAmounts(&fakeTransactions{}, &fakeHistory{})

	for _, amount := range []float64{100, 110, 120, 130, 140} {
		a.RecordTransaction("BUY", "BTC", amount)
	}

	baselines := a.Baselines()
	require.Len(t, baselines, 1)
	b := baselines[0]
	assert.Equal(t, "BUY", b.OperationType)
	assert.Equal(t, "BTC", b.Asset)
	assert.Equal(t, 5, b.SampleCount)
	assert.InDelta(t, 120.0, b.Mean, 1e-9)
	assert.InDelta(t, 200.0, b.Variance, 1e-9)
	assert.InDelta(t, math.Sqrt(200), b.StdDev, 1e-9)
}

// Welford is order-independent to numerical precision.
func TestRecordTransactionOrderIndependent(t *testing.T) {
	a := newTestAmounts(&fakeTransactions{}, &fakeHistory{})
	b := newTestAmounts(&fakeTransactions{}, &fakeHistory{})

	values := []float64{12.5, 10000, 3, 700, 42, 42, 0.01}
	for _, v := range values {
		a.RecordTransaction("SELL", "ETH", v)
	}
	for i := len(values) - 1; i >= 0; i-- {
		b.RecordTransaction("SELL", "ETH", values[i])
	}

	assert.InDelta(t, a.Baselines()[0].Mean, b.Baselines()[0].Mean, 1e-9)
	assert.InDelta(t, a.Baselines()[0].Variance, b.Baselines()[0].Variance, 1e-6)
}

func TestCheckTransactionBelowMinSamples(t *testing.T) {
	a := newTestAmounts(&fakeTransactions{}, &fakeHistory{})

	for i := 0; i < 10; i++ {
		a.RecordTransaction("BUY", "BTC", 100)
	}

	_, found := a.CheckTransaction("BUY", "BTC", 1_000_000, "ord-1")
	assert.False(t, found)

	// the amount was still absorbed
	assert.Equal(t, 11, a.Baselines()[0].SampleCount)
}

func TestCheckTransactionZeroSpread(t *testing.T) {
	a := newTestAmounts(&fakeTransactions{}, &fakeHistory{})

	// plenty of samples but no variance at all
	for i := 0; i < 50; i++ {
		a.RecordTransaction("BUY", "BTC", 100)
	}

	_, found := a.CheckTransaction("BUY", "BTC", 1_000_000, "ord-1")
	assert.False(t, found)
}

// seedSpread records count samples alternating around mean 100 with
// stddev 10.
func seedSpread(a *Amounts, opType, asset string, count int) {
	for i := 0; i < count; i++ {
		if i%2 == 0 {
			a.RecordTransaction(opType, asset, 90)
		} else {
			a.RecordTransaction(opType, asset, 110)
		}
	}
}

func TestCheckTransactionWhaleSeverities(t *testing.T) {
	history := &fakeHistory{}
	a := newTestAmounts(&fakeTransactions{}, history)
	seedSpread(a, "BUY", "BTC", 50) // mean 100, stddev 10

	tests := []struct {
		amount   float64
		severity model.Severity
		found    bool
	}{
		{120, 0, false}, // 2 sigma, below the whale floor
		{135, model.SeverityLow, true},
		{145, model.SeverityMinor, true},
		{155, model.SeverityModerate, true},
		{165, model.SeverityMajor, true},
		{175, model.SeverityCritical, true},
	}

	for _, tc := range tests {
		// fresh profile per case so earlier checks don't shift the moments
		a := newTestAmounts(&fakeTransactions{}, history)
		seedSpread(a, "BUY", "BTC", 50)

		anomaly, found := a.CheckTransaction("BUY", "BTC", tc.amount, "ord-1")
		require.Equal(t, tc.found, found, "amount %v", tc.amount)
		if found {
			assert.Equal(t, tc.severity, anomaly.Severity, "amount %v", tc.amount)
			assert.Equal(t, model.KindAmount, anomaly.Kind)
			assert.Equal(t, "BUY", anomaly.Service)
			assert.Equal(t, "BTC", anomaly.Operation)
		}
	}
}

func TestCheckTransactionIDAndPersist(t *testing.T) {
	history := &fakeHistory{}
	a := newTestAmounts(&fakeTransactions{}, history)
	seedSpread(a, "TRANSFER", "USDT", 40)

	anomaly, found := a.CheckTransaction("TRANSFER", "USDT", 500, "tx-77")
	require.True(t, found)
	assert.Regexp(t, `^tx-77-\d+$`, anomaly.ID)

	require.Eventually(t, func() bool { return history.count() == 1 }, time.Second, 10*time.Millisecond)

	active := a.Active()
	require.Len(t, active, 1)
	assert.Equal(t, anomaly.ID, active[0].ID)
}

func TestRefreshRebuildsProfiles(t *testing.T) {
	source := &fakeTransactions{txs: []Transaction{
		{Type: "BUY", Asset: "BTC", Amount: 100, Reference: "o1"},
		{Type: "BUY", Asset: "BTC", Amount: 140, Reference: "o2"},
		{Type: "SELL", Asset: "ETH", Amount: 50, Reference: "o3"},
	}}
	a := newTestAmounts(source, &fakeHistory{})

	// pre-existing state is replaced wholesale
	a.RecordTransaction("BUY", "DOGE", 7)

	a.refresh(context.Background())

	baselines := a.Baselines()
	require.Len(t, baselines, 2)
	assert.Equal(t, "BUY", baselines[0].OperationType)
	assert.Equal(t, "BTC", baselines[0].Asset)
	assert.Equal(t, 2, baselines[0].SampleCount)
	assert.InDelta(t, 120.0, baselines[0].Mean, 1e-9)
	assert.False(t, a.LastPolled().IsZero())
}

// Without a transaction store the source always comes back empty and the
// profiles learn from checked transactions only. The poll must not erase
// them.
func TestRefreshEmptyPollKeepsLiveProfiles(t *testing.T) {
	a := newTestAmounts(&fakeTransactions{}, &fakeHistory{})
	seedSpread(a, "BUY", "BTC", 40) // mean 100, stddev 10

	a.refresh(context.Background())

	baselines := a.Baselines()
	require.Len(t, baselines, 1)
	assert.Equal(t, 40, baselines[0].SampleCount)
	assert.False(t, a.LastPolled().IsZero())

	// whale detection still works after the poll
	_, found := a.CheckTransaction("BUY", "BTC", 1_000_000, "ord-9")
	assert.True(t, found)
}

func TestRefreshFailureKeepsProfiles(t *testing.T) {
	source := &fakeTransactions{err: errors.New("db down")}
	a := newTestAmounts(source, &fakeHistory{})
	a.RecordTransaction("BUY", "BTC", 100)

	a.refresh(context.Background())

	require.Len(t, a.Baselines(), 1)
	assert.True(t, a.LastPolled().IsZero())
}

func TestRefreshSweepsExpiredAnomalies(t *testing.T) {
	a := newTestAmounts(&fakeTransactions{}, &fakeHistory{})

	a.active["old"] = model.Anomaly{ID: "old", Timestamp: time.Now().UTC().Add(-20 * time.Minute)}
	a.active["fresh"] = model.Anomaly{ID: "fresh", Timestamp: time.Now().UTC()}

	a.refresh(context.Background())

	active := a.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].ID)
}

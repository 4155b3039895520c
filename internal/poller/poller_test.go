package poller

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus_logger/internal/datalog"
	"modbus_logger/internal/modbus"
	"modbus_logger/internal/types"
)

type readResult struct {
	raw uint16
	err error
}

// fakeReader replays scripted results; the last one repeats.
type fakeReader struct {
	mu      sync.Mutex
	results []readResult
	calls   int
}

func (r *fakeReader) ReadInputRegisters(_ context.Context, address, count uint16) (types.Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	r.calls++
	res := r.results[i]
	if res.err != nil {
		return types.Reading{}, res.err
	}
	return types.Reading{Address: address, RawValues: []uint16{res.raw}, ReadAt: time.Now()}, nil
}

func (r *fakeReader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type memStore struct {
	mu   sync.Mutex
	rows []types.LogRow
	err  error
}

func (s *memStore) Append(row types.LogRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, row)
	return nil
}

func (s *memStore) Rows() []types.LogRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.LogRow(nil), s.rows...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []types.AlertEvent
	err    error
}

func (n *fakeNotifier) Notify(_ context.Context, ev types.AlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *fakeNotifier) Events() []types.AlertEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.AlertEvent(nil), n.events...)
}

type observerFunc func(context.Context, types.LogRow) error

func (f observerFunc) ObserveRow(ctx context.Context, row types.LogRow) error { return f(ctx, row) }

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func baseConfig() Config {
	return Config{
		Address:   100,
		Count:     1,
		Scale:     0.1,
		Threshold: 75.0,
		Interval:  10 * time.Millisecond,
	}
}

func newLoop(t *testing.T, cfg Config, r Reader, s Store, n Notifier, opts ...Option) *Loop {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	l, err := New(cfg, r, s, n, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return l
}

func TestScenarioOverThresholdAlerts(t *testing.T) {
	store, notifier := &memStore{}, &fakeNotifier{}
	l := newLoop(t, baseConfig(), &fakeReader{results: []readResult{{raw: 1000}}}, store, notifier)

	res, err := l.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Alerted)
	assert.Equal(t, float32(100.0), res.Row.Value)

	rows := store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, types.LogRow{Timestamp: "2024-05-01T12:00:00Z", Register: 100, Value: 100}, rows[0])

	events := notifier.Events()
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "100.00")
	assert.Equal(t, float32(75), events[0].Threshold)
	assert.NotEmpty(t, events[0].ID)
}

func TestScenarioUnderThresholdNoAlert(t *testing.T) {
	store, notifier := &memStore{}, &fakeNotifier{}
	l := newLoop(t, baseConfig(), &fakeReader{results: []readResult{{raw: 500}}}, store, notifier)

	res, err := l.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Alerted)
	require.Len(t, store.Rows(), 1)
	assert.Equal(t, float32(50.0), store.Rows()[0].Value)
	assert.Empty(t, notifier.Events())
}

func TestScenarioReadTimeoutThenNextCycle(t *testing.T) {
	timeout := errors.Join(modbus.ErrRead, errors.New("i/o timeout"))
	reader := &fakeReader{results: []readResult{{err: timeout}, {raw: 500}}}
	store, notifier := &memStore{}, &fakeNotifier{}
	l := newLoop(t, baseConfig(), reader, store, notifier)

	_, err := l.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, modbus.ErrRead)
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "read", ce.Stage)
	assert.Empty(t, store.Rows())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(store.Rows()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestThresholdIsStrict(t *testing.T) {
	tests := []struct {
		name      string
		threshold float32
		wantAlert bool
	}{
		{"equal", 100, false},
		{"just below value", math.Nextafter32(100, 0), true},
		{"above value", 100.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.Scale = 1
			cfg.Threshold = tt.threshold
			notifier := &fakeNotifier{}
			l := newLoop(t, cfg, &fakeReader{results: []readResult{{raw: 100}}}, &memStore{}, notifier)

			res, err := l.RunCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantAlert, res.Alerted)
			assert.Equal(t, tt.wantAlert, len(notifier.Events()) == 1)
		})
	}
}

func TestRowsMatchSuccessfulReads(t *testing.T) {
	readErr := errors.Join(modbus.ErrRead, errors.New("crc mismatch"))
	reader := &fakeReader{results: []readResult{
		{raw: 1}, {err: readErr}, {raw: 2}, {raw: 3}, {err: readErr}, {err: readErr}, {raw: 4},
	}}
	store := &memStore{}
	l := newLoop(t, baseConfig(), reader, store, &fakeNotifier{})

	ok := 0
	for i := 0; i < 7; i++ {
		if _, err := l.RunCycle(context.Background()); err == nil {
			ok++
		}
	}
	assert.Equal(t, 4, ok)
	assert.Len(t, store.Rows(), ok)

	st := l.Stats()
	assert.Equal(t, uint64(7), st.Cycles)
	assert.Equal(t, uint64(4), st.ReadsOK)
	assert.Equal(t, uint64(3), st.ReadsFailed)
	assert.Equal(t, uint64(4), st.RowsAppended)
	assert.Equal(t, types.ScaleRaw(4, 0.1), st.LastValue)
}

func TestReadFailureKeepsLogIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	log, err := datalog.Initialize(path)
	require.NoError(t, err)
	require.NoError(t, log.WriteHeader(datalog.Header))

	reader := &fakeReader{results: []readResult{{raw: 500}, {raw: 600}, {err: modbus.ErrRead}}}
	l := newLoop(t, baseConfig(), reader, log, &fakeNotifier{})

	for i := 0; i < 2; i++ {
		_, err := l.RunCycle(context.Background())
		require.NoError(t, err)
	}
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = l.RunCycle(context.Background())
	require.ErrorIs(t, err, modbus.ErrRead)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	rows, err := datalog.ReadRows(strings.NewReader(string(after)))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, float32(50), rows[0].Value)
	assert.Equal(t, float32(60), rows[1].Value)
}

func TestAppendFailure(t *testing.T) {
	store := &memStore{err: errors.Join(datalog.ErrAppend, errors.New("disk full"))}
	notifier := &fakeNotifier{}
	l := newLoop(t, baseConfig(), &fakeReader{results: []readResult{{raw: 1000}}}, store, notifier)

	_, err := l.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, datalog.ErrAppend)
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "append", ce.Stage)
	assert.Empty(t, notifier.Events(), "no alert for a value that was not logged")
	assert.Equal(t, uint64(1), l.Stats().AppendFailures)
}

func TestRunAbortPolicyReturnsError(t *testing.T) {
	cfg := baseConfig()
	cfg.FailurePolicy = PolicyAbort
	reader := &fakeReader{results: []readResult{{raw: 500}, {err: modbus.ErrRead}}}
	store := &memStore{}
	l := newLoop(t, cfg, reader, store, &fakeNotifier{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := l.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, modbus.ErrRead)
	assert.Len(t, store.Rows(), 1)
	assert.Equal(t, 2, reader.Calls())
}

func TestRunContinuePolicyKeepsPolling(t *testing.T) {
	reader := &fakeReader{results: []readResult{{err: modbus.ErrRead}, {err: modbus.ErrRead}, {raw: 700}}}
	store := &memStore{}
	l := newLoop(t, baseConfig(), reader, store, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(store.Rows()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, l.Stats().ReadsFailed, uint64(2))
}

func TestRunFirstCycleImmediate(t *testing.T) {
	cfg := baseConfig()
	cfg.Interval = time.Hour
	store := &memStore{}
	l := newLoop(t, cfg, &fakeReader{results: []readResult{{raw: 1}}}, store, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(store.Rows()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, store.Rows(), 1)
}

func TestEveryCycleRealertsWhileHigh(t *testing.T) {
	notifier := &fakeNotifier{}
	l := newLoop(t, baseConfig(), &fakeReader{results: []readResult{{raw: 900}}}, &memStore{}, notifier)

	for i := 0; i < 3; i++ {
		_, err := l.RunCycle(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, notifier.Events(), 3)
	assert.Equal(t, uint64(3), l.Stats().AlertsSent)
}

func TestOnRiseAlertsOncePerExcursion(t *testing.T) {
	cfg := baseConfig()
	cfg.AlertMode = AlertOnRise
	reader := &fakeReader{results: []readResult{
		{raw: 900}, {raw: 950}, {raw: 750}, {raw: 800}, {raw: 500}, {raw: 1000},
	}}
	notifier := &fakeNotifier{}
	l := newLoop(t, cfg, reader, &memStore{}, notifier)

	var alerted []bool
	for i := 0; i < 6; i++ {
		res, err := l.RunCycle(context.Background())
		require.NoError(t, err)
		alerted = append(alerted, res.Alerted)
	}
	// 75.0 equals the threshold and re-arms.
	assert.Equal(t, []bool{true, false, false, true, false, true}, alerted)
	assert.Len(t, notifier.Events(), 3)
}

func TestOnRiseStaysArmedAfterFailedSend(t *testing.T) {
	cfg := baseConfig()
	cfg.AlertMode = AlertOnRise
	notifier := &fakeNotifier{err: errors.New("relay down")}
	l := newLoop(t, cfg, &fakeReader{results: []readResult{{raw: 900}}}, &memStore{}, notifier)

	for i := 0; i < 2; i++ {
		res, err := l.RunCycle(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Alerted)
		assert.Error(t, res.AlertErr)
	}
	assert.Len(t, notifier.Events(), 2)
	assert.Equal(t, uint64(2), l.Stats().AlertsFailed)
}

func TestAlertFailureIsNotFatal(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("auth rejected")}
	store := &memStore{}
	l := newLoop(t, baseConfig(), &fakeReader{results: []readResult{{raw: 1000}}}, store, notifier)

	res, err := l.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Error(t, res.AlertErr)
	assert.Len(t, store.Rows(), 1)
}

func TestObserversSeeCommittedRows(t *testing.T) {
	var seen []types.LogRow
	good := observerFunc(func(_ context.Context, row types.LogRow) error {
		seen = append(seen, row)
		return nil
	})
	bad := observerFunc(func(context.Context, types.LogRow) error { return errors.New("broker offline") })

	store := &memStore{}
	reader := &fakeReader{results: []readResult{{raw: 10}, {err: modbus.ErrRead}, {raw: 20}}}
	l := newLoop(t, baseConfig(), reader, store, &fakeNotifier{}, WithObservers(bad, good))

	for i := 0; i < 3; i++ {
		l.RunCycle(context.Background())
	}
	assert.Equal(t, store.Rows(), seen)
	assert.Len(t, seen, 2)
}

func TestNewValidatesConfig(t *testing.T) {
	r, s, n := &fakeReader{}, &memStore{}, &fakeNotifier{}

	cfg := baseConfig()
	cfg.Count = 0
	_, err := New(cfg, r, s, n, zerolog.Nop())
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.Interval = 0
	_, err = New(cfg, r, s, n, zerolog.Nop())
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.FailurePolicy = "retry"
	_, err = New(cfg, r, s, n, zerolog.Nop())
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.AlertMode = "hourly"
	_, err = New(cfg, r, s, n, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(baseConfig(), nil, s, n, zerolog.Nop())
	assert.Error(t, err)

	l, err := New(baseConfig(), r, s, n, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, PolicyContinue, l.cfg.FailurePolicy)
	assert.Equal(t, AlertEveryCycle, l.cfg.AlertMode)
}

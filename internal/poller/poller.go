// Package poller contains the supervisory loop: read one register block, log the
// scaled value, and raise an alert when it exceeds the threshold.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"modbus_logger/internal/alert"
	"modbus_logger/internal/types"
)

// Reader is the uniform read operation of the selected transport.
type Reader interface {
	ReadInputRegisters(ctx context.Context, address, count uint16) (types.Reading, error)
}

// Store is the durable log.
type Store interface {
	Append(row types.LogRow) error
}

// Notifier delivers one alert.
type Notifier interface {
	Notify(ctx context.Context, ev types.AlertEvent) error
}

// RowObserver receives every row after it has been committed to the store.
type RowObserver interface {
	ObserveRow(ctx context.Context, row types.LogRow) error
}

// FailurePolicy decides what a failed read or append does to the loop.
type FailurePolicy string

const (
	// PolicyContinue logs the failure and skips to the next cycle.
	PolicyContinue FailurePolicy = "continue"
	// PolicyAbort stops the loop and returns the error.
	PolicyAbort FailurePolicy = "abort"
)

// AlertMode decides how often a sustained breach is reported.
type AlertMode string

const (
	// AlertEveryCycle alerts on every cycle above the threshold.
	AlertEveryCycle AlertMode = "every_cycle"
	// AlertOnRise alerts once per excursion and re-arms when the value
	// falls back to or below the threshold.
	AlertOnRise AlertMode = "on_rise"
)

// Config is the immutable set of polling constants.
type Config struct {
	Address       uint16
	Count         uint16
	Scale         float32
	Threshold     float32
	Interval      time.Duration
	FailurePolicy FailurePolicy
	AlertMode     AlertMode
}

func (c Config) validate() error {
	var errs []error
	if c.Count == 0 {
		errs = append(errs, errors.New("count must be at least 1"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	switch c.FailurePolicy {
	case PolicyContinue, PolicyAbort:
	default:
		errs = append(errs, fmt.Errorf("unknown failure policy %q", c.FailurePolicy))
	}
	switch c.AlertMode {
	case AlertEveryCycle, AlertOnRise:
	default:
		errs = append(errs, fmt.Errorf("unknown alert mode %q", c.AlertMode))
	}
	return errors.Join(errs...)
}

// Stats are cumulative counters since start.
type Stats struct {
	Cycles         uint64  `json:"cycles"`
	ReadsOK        uint64  `json:"reads_ok"`
	ReadsFailed    uint64  `json:"reads_failed"`
	RowsAppended   uint64  `json:"rows_appended"`
	AppendFailures uint64  `json:"append_failures"`
	AlertsSent     uint64  `json:"alerts_sent"`
	AlertsFailed   uint64  `json:"alerts_failed"`
	LastValue      float32 `json:"last_value"`
	LastRowAt      string  `json:"last_row_at,omitempty"`
}

// Result describes one completed cycle.
type Result struct {
	Reading  types.Reading
	Row      types.LogRow
	Alerted  bool
	AlertErr error
}

// CycleError marks the stage at which a cycle was abandoned.
type CycleError struct {
	Stage string // "read" or "append"
	Err   error
}

func (e *CycleError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// Option customizes a Loop.
type Option func(*Loop)

// WithObservers adds row observers, called in order after each append.
func WithObservers(obs ...RowObserver) Option {
	return func(l *Loop) {
		l.observers = append(l.observers, obs...)
	}
}

// WithClock replaces time.Now for log timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		l.now = now
	}
}

// Loop drives every other component. It owns no goroutines besides the caller's.
type Loop struct {
	cfg       Config
	reader    Reader
	store     Store
	notifier  Notifier
	observers []RowObserver
	now       func() time.Time
	logger    zerolog.Logger

	mu    sync.Mutex
	stats Stats
	armed bool
}

// New builds a loop. An empty policy or mode falls back to continue and every_cycle.
func New(cfg Config, reader Reader, store Store, notifier Notifier, logger zerolog.Logger, opts ...Option) (*Loop, error) {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyContinue
	}
	if cfg.AlertMode == "" {
		cfg.AlertMode = AlertEveryCycle
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("poller config: %w", err)
	}
	if reader == nil || store == nil || notifier == nil {
		return nil, errors.New("poller: reader, store and notifier are required")
	}

	l := &Loop{
		cfg:      cfg,
		reader:   reader,
		store:    store,
		notifier: notifier,
		now:      time.Now,
		logger:   logger,
		armed:    true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run executes the first cycle immediately and then one cycle per interval
// until ctx is cancelled. Under PolicyAbort the first read or append failure
// is returned; cancellation returns nil.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().
		Uint16("address", l.cfg.Address).
		Dur("interval", l.cfg.Interval).
		Str("failure_policy", string(l.cfg.FailurePolicy)).
		Str("alert_mode", string(l.cfg.AlertMode)).
		Msg("poll loop started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("poll loop stopped")
			return nil
		case <-timer.C:
		}

		if _, err := l.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("poll loop stopped")
				return nil
			}
			if l.cfg.FailurePolicy == PolicyAbort {
				l.logger.Error().Err(err).Msg("cycle failed, aborting")
				return err
			}
			l.logger.Warn().Err(err).Msg("cycle failed, skipping")
		}
		timer.Reset(l.cfg.Interval)
	}
}

// RunCycle performs exactly one read, append and alert evaluation.
// A read or append failure is returned as *CycleError and produces no row.
// Alert and observer failures are logged and never fail the cycle.
func (l *Loop) RunCycle(ctx context.Context) (Result, error) {
	l.mu.Lock()
	l.stats.Cycles++
	l.mu.Unlock()

	reading, err := l.reader.ReadInputRegisters(ctx, l.cfg.Address, l.cfg.Count)
	if err == nil {
		reading, err = reading.Scaled(l.cfg.Scale)
	}
	if err != nil {
		l.count(func(s *Stats) { s.ReadsFailed++ })
		return Result{}, &CycleError{Stage: "read", Err: err}
	}
	l.count(func(s *Stats) { s.ReadsOK++ })

	row := types.LogRow{
		Timestamp: l.now().UTC().Format(time.RFC3339),
		Register:  l.cfg.Address,
		Value:     reading.ScaledValue,
	}
	if err := l.store.Append(row); err != nil {
		l.count(func(s *Stats) { s.AppendFailures++ })
		return Result{Reading: reading}, &CycleError{Stage: "append", Err: err}
	}
	l.count(func(s *Stats) {
		s.RowsAppended++
		s.LastValue = row.Value
		s.LastRowAt = row.Timestamp
	})
	l.logger.Info().
		Str("timestamp", row.Timestamp).
		Uint16("register", row.Register).
		Float32("value", row.Value).
		Msg("row logged")

	for _, obs := range l.observers {
		if err := obs.ObserveRow(ctx, row); err != nil {
			l.logger.Warn().Err(err).Msg("row observer failed")
		}
	}

	res := Result{Reading: reading, Row: row}
	if row.Value > l.cfg.Threshold {
		res.Alerted, res.AlertErr = l.maybeAlert(ctx, row)
	} else {
		l.mu.Lock()
		l.armed = true
		l.mu.Unlock()
	}
	return res, nil
}

func (l *Loop) maybeAlert(ctx context.Context, row types.LogRow) (bool, error) {
	l.mu.Lock()
	suppressed := l.cfg.AlertMode == AlertOnRise && !l.armed
	l.mu.Unlock()
	if suppressed {
		l.logger.Debug().Float32("value", row.Value).Msg("alert suppressed until value drops")
		return false, nil
	}

	ev := alert.NewEvent(row.Register, row.Value, l.cfg.Threshold, l.now())
	if err := l.notifier.Notify(ctx, ev); err != nil {
		l.count(func(s *Stats) { s.AlertsFailed++ })
		l.logger.Warn().Err(err).Str("alert_id", ev.ID).Msg("alert not delivered")
		return true, err
	}

	l.mu.Lock()
	l.stats.AlertsSent++
	if l.cfg.AlertMode == AlertOnRise {
		l.armed = false
	}
	l.mu.Unlock()
	return true, nil
}

func (l *Loop) count(f func(*Stats)) {
	l.mu.Lock()
	f(&l.stats)
	l.mu.Unlock()
}

// Stats returns a snapshot of the counters. Safe for concurrent use.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

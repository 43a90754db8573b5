package permits

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matthew-callmother/estimator/internal/observability/metrics"
	"github.com/matthew-callmother/estimator/internal/schema"
	"github.com/matthew-callmother/estimator/internal/session"
	"github.com/matthew-callmother/estimator/pkg/logging"
)

var (
	// ErrInFlight means a lookup for this session is already running.
	ErrInFlight = errors.New("permits: lookup already in flight")

	// ErrStale means the address answers changed while the lookup ran; the
	// result was discarded and no session state was written.
	ErrStale = errors.New("permits: lookup result stale")
)

// Coordinator runs the permit lookup for a session: one flight per session at
// a time, results held back until the minimum visible duration has elapsed,
// and stale results discarded instead of applied.
type Coordinator struct {
	datasets *DatasetClient
	metrics  *metrics.EstimatorMetrics
	logger   *logging.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]struct{}
}

// CoordinatorOption is a functional option for configuring the Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMetrics attaches lookup metrics.
func WithMetrics(m *metrics.EstimatorMetrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithCoordinatorLogger sets a custom logger.
func WithCoordinatorLogger(logger *logging.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock overrides the time source and sleeper. Tests use this to run the
// minimum-duration wait without real delays.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
		c.sleep = sleep
	}
}

// NewCoordinator creates a Coordinator backed by the given dataset client.
func NewCoordinator(datasets *DatasetClient, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		datasets: datasets,
		logger:   logging.Default(),
		now:      time.Now,
		sleep:    sleepContext,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the lookup for the session's current address answers and, on
// success, writes the derived answers and opens the exact-price gate. The
// call blocks for at least the step's configured duration so the caller can
// surface the loading step without it flashing.
//
// A dataset or fetch failure leaves the session's lookup gates untouched and
// returns the error; the caller decides whether to continue past the step.
func (c *Coordinator) Run(ctx context.Context, cfg *schema.Config, sess *session.Session, q *schema.Question) error {
	spec := cfg.LookupFor(q)
	if spec == nil {
		return fmt.Errorf("permits: question %q has no lookup spec", q.ID)
	}

	if !c.acquire(sess.ID) {
		return ErrInFlight
	}
	defer c.release(sess.ID)

	logger := c.logger.With("session_id", sess.ID)
	started := c.now()
	sig := session.AddressFingerprint(cfg, sess.Answers)
	input := sess.Answers[spec.MatchOn]

	ds, err := c.datasets.Get(ctx)

	var row Row
	matched := false
	if err == nil {
		row, matched = ds.Lookup(input)
	}

	if waitErr := c.waitRemaining(ctx, started, q); waitErr != nil {
		c.observe(started, "canceled")
		return waitErr
	}

	if err != nil {
		c.observe(started, "error")
		logger.Error("permit lookup failed", "error", err)
		return err
	}

	if session.AddressFingerprint(cfg, sess.Answers) != sig {
		c.observe(started, "stale")
		logger.Info("permit lookup discarded, address changed mid-flight")
		return ErrStale
	}

	for src, dest := range spec.WriteTo {
		value := schema.NotFound
		if matched {
			if raw, ok := row[src]; ok {
				value = stringify(raw)
			}
		}
		sess.Answers[dest] = value
	}
	if name, ok := row["name"]; matched && ok {
		sess.Answers[schema.AnswerMunicipality] = stringify(name)
	}

	sess.Meta.PermitDone = true
	sess.Meta.PermitSig = sig
	sess.Meta.ExactUnlocked = true
	sess.Touch()

	outcome := "matched"
	if !matched {
		outcome = "not_found"
	}
	c.observe(started, outcome)
	logger.Info("permit lookup complete",
		"outcome", outcome,
		"municipality", Normalize(input))
	return nil
}

func (c *Coordinator) acquire(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.inflight[sessionID]; held {
		return false
	}
	c.inflight[sessionID] = struct{}{}
	return true
}

func (c *Coordinator) release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, sessionID)
}

// waitRemaining blocks until the step's minimum visible duration has passed
// since started.
func (c *Coordinator) waitRemaining(ctx context.Context, started time.Time, q *schema.Question) error {
	min := time.Duration(q.Load.Duration()) * time.Millisecond
	remaining := min - c.now().Sub(started)
	if remaining <= 0 {
		return nil
	}
	return c.sleep(ctx, remaining)
}

func (c *Coordinator) observe(started time.Time, outcome string) {
	c.metrics.RecordLookup(outcome, c.now().Sub(started))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return schema.NotFound
	default:
		return fmt.Sprint(x)
	}
}

// Package engine orchestrates the estimator: it owns session lifecycle,
// answer writes, navigation, the permit lookup hand-off, and submission.
// Handlers stay thin; every rule lives here or below.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matthew-callmother/estimator/internal/flow"
	"github.com/matthew-callmother/estimator/internal/observability/metrics"
	"github.com/matthew-callmother/estimator/internal/permits"
	"github.com/matthew-callmother/estimator/internal/pricing"
	"github.com/matthew-callmother/estimator/internal/schema"
	"github.com/matthew-callmother/estimator/internal/session"
	"github.com/matthew-callmother/estimator/internal/store"
	"github.com/matthew-callmother/estimator/internal/submit"
	"github.com/matthew-callmother/estimator/pkg/logging"
)

var (
	// ErrCooldown means the session submitted recently and must wait.
	ErrCooldown = errors.New("engine: submission cooldown active")

	// ErrWebhookFailed wraps a delivery failure so the caller can surface a
	// retryable error to the visitor.
	ErrWebhookFailed = errors.New("engine: lead delivery failed")
)

// ValidationError carries per-field messages for an incomplete step.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("engine: invalid fields: %v", keys)
}

// View is the render-ready projection of a session returned by every
// operation. The embedded question marshals in the same flat shape as the
// estimator config, so clients reuse one renderer for both.
type View struct {
	SessionID   string            `json:"session_id"`
	Question    *schema.Question  `json:"question,omitempty"`
	Step        int               `json:"step"`
	TotalSteps  int               `json:"total_steps"`
	CanGoBack   bool              `json:"can_go_back"`
	Quote       pricing.Quote     `json:"quote"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
	Submitted   bool              `json:"submitted"`
}

// Engine wires the session store, lookup coordinator, webhook and archive
// behind the five estimator operations.
type Engine struct {
	cfg      *schema.Config
	store    store.SessionStore
	lookups  *permits.Coordinator
	webhook  *submit.Webhook
	archive  submit.Archive
	metrics  *metrics.EstimatorMetrics
	logger   *logging.Logger
	cooldown time.Duration
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithMetrics attaches estimator metrics.
func WithMetrics(m *metrics.EstimatorMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets a custom logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCooldown sets the post-submission lockout window.
func WithCooldown(d time.Duration) Option {
	return func(e *Engine) { e.cooldown = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over the given collaborators.
func New(cfg *schema.Config, st store.SessionStore, lookups *permits.Coordinator, webhook *submit.Webhook, archive submit.Archive, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    st,
		lookups:  lookups,
		webhook:  webhook,
		archive:  archive,
		logger:   logging.Default(),
		cooldown: 30 * time.Second,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartSession creates a new session positioned at the start question.
func (e *Engine) StartSession(ctx context.Context, utm map[string]string, pageURL, honeypot string) (*View, error) {
	sess := session.New(e.cfg, utm, pageURL)
	sess.Honeypot = honeypot
	if err := e.store.Put(ctx, sess); err != nil {
		return nil, err
	}
	e.metrics.RecordSessionStarted()
	e.logger.Info("session started", "session_id", sess.ID, "page_url", pageURL)
	return e.view(sess), nil
}

// GetView returns the current projection of an existing session.
func (e *Engine) GetView(ctx context.Context, id string) (*View, error) {
	unlock := e.lock(id)
	defer unlock()

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.view(sess), nil
}

// SetAnswers writes a batch of answers and reconciles downstream state:
// answers stranded by a visibility change are pruned and a changed address
// re-locks the exact price.
func (e *Engine) SetAnswers(ctx context.Context, id string, answers map[string]string) (*View, error) {
	unlock := e.lock(id)
	defer unlock()

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for key, value := range answers {
		sess.SetAnswer(e.cfg, key, value)
	}
	flow.Reconcile(e.cfg, sess)

	if err := e.store.Put(ctx, sess); err != nil {
		return nil, err
	}
	return e.view(sess), nil
}

// Advance moves the session forward one visible step. The current step must
// be complete. Transient lookup steps run inline: Advance blocks through the
// lookup's minimum visible duration and continues past it, lookup failure
// included.
func (e *Engine) Advance(ctx context.Context, id string) (*View, error) {
	unlock := e.lock(id)
	defer unlock()

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	current := e.cfg.Question(sess.CurrentID)
	if current == nil {
		sess.CurrentID = e.cfg.StartID()
		current = e.cfg.Question(sess.CurrentID)
	}

	if !flow.IsComplete(current, sess.Answers) {
		v := e.view(sess)
		errs := flow.FieldErrors(current, sess.Answers)
		if errs == nil {
			errs = map[string]string{current.ID: "an answer is required"}
		}
		v.FieldErrors = errs
		return v, &ValidationError{Fields: errs}
	}

	next, ok := flow.Advance(current, sess.Answers)
	if !ok {
		return e.view(sess), nil
	}
	if !current.Transient {
		sess.PushHistory(current.ID)
	}
	sess.CurrentID = next

	e.traverse(ctx, sess)
	sess.Touch()

	if err := e.store.Put(ctx, sess); err != nil {
		return nil, err
	}
	return e.view(sess), nil
}

// traverse walks the session past steps the visitor never lands on: hidden
// questions and transient lookup steps. Bounded by the graph size so a
// config cycle cannot spin forever.
func (e *Engine) traverse(ctx context.Context, sess *session.Session) {
	for range e.cfg.Questions {
		q := e.cfg.Question(sess.CurrentID)
		if q == nil {
			sess.CurrentID = e.cfg.StartID()
			return
		}
		if flow.Visible(q, sess.Answers) && !q.Transient {
			return
		}

		if q.Type == schema.TypeLoadingLookup && flow.Visible(q, sess.Answers) && !sess.Meta.PermitDone {
			if err := e.lookups.Run(ctx, e.cfg, sess, q); err != nil {
				// Range pricing still works without the lookup; the step
				// falls through rather than trapping the visitor.
				e.logger.Error("permit lookup did not complete", "session_id", sess.ID, "error", err)
			}
		}

		next, ok := flow.Advance(q, sess.Answers)
		if !ok {
			return
		}
		sess.CurrentID = next
	}
}

// Back returns to the most recently visited step. With no history the call
// is a no-op rather than an error.
func (e *Engine) Back(ctx context.Context, id string) (*View, error) {
	unlock := e.lock(id)
	defer unlock()

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, moved := flow.GoBack(sess); moved {
		if err := e.store.Put(ctx, sess); err != nil {
			return nil, err
		}
	}
	return e.view(sess), nil
}

// Submit finalizes the session: builds the lead payload, delivers it to the
// webhook, archives it, and locks the session for the cooldown window. A
// non-empty honeypot is dropped silently and reported as success.
func (e *Engine) Submit(ctx context.Context, id string) (*View, error) {
	unlock := e.lock(id)
	defer unlock()

	sess, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if sess.Meta.LockExpiresAt != nil && now.Before(*sess.Meta.LockExpiresAt) {
		return nil, ErrCooldown
	}

	if errs := e.incompleteForms(sess); errs != nil {
		v := e.view(sess)
		v.FieldErrors = errs
		return v, &ValidationError{Fields: errs}
	}

	if sess.Honeypot != "" {
		e.metrics.RecordSubmission("honeypot")
		e.logger.Info("honeypot tripped, submission dropped", "session_id", sess.ID)
		e.stampSubmitted(sess, now)
		if err := e.store.Put(ctx, sess); err != nil {
			return nil, err
		}
		v := e.view(sess)
		v.Submitted = true
		return v, nil
	}

	payload := submit.BuildPayload(e.cfg, sess, now)

	if err := e.webhook.Send(ctx, payload); err != nil {
		e.metrics.RecordSubmission("failed")
		return nil, fmt.Errorf("%w: %v", ErrWebhookFailed, err)
	}

	if e.archive != nil {
		rec, err := submit.NewRecord(uuid.NewString(), payload)
		if err == nil {
			err = e.archive.Save(ctx, rec)
		}
		if err != nil {
			// The lead already reached the webhook; losing the archive row
			// must not fail the visitor's submission.
			e.logger.Error("lead archive write failed", "session_id", sess.ID, "error", err)
		}
	}

	e.metrics.RecordSubmission("sent")
	e.stampSubmitted(sess, now)
	if err := e.store.Put(ctx, sess); err != nil {
		return nil, err
	}

	v := e.view(sess)
	v.Submitted = true
	return v, nil
}

func (e *Engine) stampSubmitted(sess *session.Session, now time.Time) {
	at := now.UTC()
	sess.Meta.SubmittedAt = &at
	if e.cooldown > 0 {
		until := at.Add(e.cooldown)
		sess.Meta.LockExpiresAt = &until
	}
	sess.Touch()
}

// incompleteForms re-validates every visible blocking step server-side;
// renderer checks are advisory only.
func (e *Engine) incompleteForms(sess *session.Session) map[string]string {
	errs := make(map[string]string)
	for _, q := range flow.VisibleQuestions(e.cfg, sess.Answers) {
		switch q.Type {
		case schema.TypeSingleSelect:
			if sess.Answers[q.ID] == "" {
				errs[q.ID] = "an answer is required"
			}
		case schema.TypeForm:
			for field, msg := range flow.FieldErrors(q, sess.Answers) {
				errs[field] = msg
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (e *Engine) view(sess *session.Session) *View {
	step, total := flow.Steps(e.cfg, sess)
	return &View{
		SessionID:  sess.ID,
		Question:   e.cfg.Question(sess.CurrentID),
		Step:       step,
		TotalSteps: total,
		CanGoBack:  len(sess.Meta.History) > 0,
		Quote:      pricing.Compute(e.cfg, sess.Answers, sess.ExactPermitted(e.cfg)),
		Submitted:  sess.Meta.SubmittedAt != nil,
	}
}

// lock serializes operations per session id.
func (e *Engine) lock(id string) func() {
	e.mu.Lock()
	m, ok := e.locks[id]
	if !ok {
		m = &sync.Mutex{}
		e.locks[id] = m
	}
	e.mu.Unlock()

	m.Lock()
	return m.Unlock
}

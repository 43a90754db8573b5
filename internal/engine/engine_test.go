package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthew-callmother/estimator/internal/permits"
	"github.com/matthew-callmother/estimator/internal/pricing"
	"github.com/matthew-callmother/estimator/internal/schema"
	"github.com/matthew-callmother/estimator/internal/store"
	"github.com/matthew-callmother/estimator/internal/submit"
)

const engineConfig = `{
  "questions": [
    {"id": "type", "type": "single_select", "next": "fuel",
     "options": [{"value": "tank", "label": "Tank"}, {"value": "tankless", "label": "Tankless"}]},
    {"id": "fuel", "type": "single_select", "next": "contact",
     "options": [{"value": "gas", "label": "Gas", "next": "venting"}, {"value": "electric", "label": "Electric"}]},
    {"id": "venting", "type": "single_select", "depends_on": {"question_id": "fuel", "equals": "gas"}, "next": "contact",
     "options": [{"value": "standard", "label": "Standard"}, {"value": "power", "label": "Power"}]},
    {"id": "contact", "type": "form", "next": "permit_wait",
     "fields": [
       {"id": "name", "label": "Name", "kind": "text"},
       {"id": "phone", "label": "Phone", "kind": "tel"},
       {"id": "email", "label": "Email", "kind": "email"},
       {"id": "city", "label": "City", "kind": "text"},
       {"id": "zip", "label": "ZIP", "kind": "zip"}
     ]},
    {"id": "permit_wait", "type": "loading_lookup", "next": "summary", "duration_ms": 1400,
     "lookup": {"source": "permits", "match_on": "city",
                "write_to": {"fee": "permit_fee_usd", "expansion_tank": "expansion_tank_required"}}},
    {"id": "summary", "type": "summary", "next": "send"},
    {"id": "send", "type": "submit"}
  ],
  "pricing": {
    "base_price": {"tank_gas": 1200, "tank_electric": 1000, "tankless_gas": 2200},
    "modifiers": {"venting": {"standard": 0, "power": 200}},
    "expansion_tank_surcharge": 275,
    "safety": {"round_to": 25}
  }
}`

const engineDataset = `{
  "rows": {"Plano": {"name": "City of Plano", "fee": 85, "expansion_tank": true}}
}`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.Advance(d)
	return nil
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type harness struct {
	engine   *Engine
	clock    *fakeClock
	archive  *submit.MemoryArchive
	webhooks *[]submit.Payload
}

func newHarness(t *testing.T, datasetStatus, webhookStatus int) *harness {
	t.Helper()

	cfg, err := schema.Parse(strings.NewReader(engineConfig))
	require.NoError(t, err)

	datasetSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if datasetStatus != http.StatusOK {
			w.WriteHeader(datasetStatus)
			return
		}
		w.Write([]byte(engineDataset))
	}))
	t.Cleanup(datasetSrv.Close)

	var delivered []submit.Payload
	webhookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if webhookStatus != http.StatusOK {
			w.WriteHeader(webhookStatus)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var p submit.Payload
		require.NoError(t, json.Unmarshal(body, &p))
		delivered = append(delivered, p)
	}))
	t.Cleanup(webhookSrv.Close)

	clock := newFakeClock()
	coord := permits.NewCoordinator(
		permits.NewDatasetClient(datasetSrv.URL),
		permits.WithClock(clock.Now, clock.Sleep),
	)
	archive := submit.NewMemoryArchive()

	eng := New(cfg, store.NewMemoryStore(), coord, submit.NewWebhook(webhookSrv.URL), archive,
		WithCooldown(30*time.Second),
		WithClock(clock.Now),
	)
	return &harness{engine: eng, clock: clock, archive: archive, webhooks: &delivered}
}

func (h *harness) walkToSummary(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	v, err := h.engine.StartSession(ctx, map[string]string{"utm_source": "google"}, "https://example.com/quote", "")
	require.NoError(t, err)
	id := v.SessionID

	steps := []map[string]string{
		{"type": "tank"},
		{"fuel": "gas"},
		{"venting": "standard"},
		{"name": "Jo", "phone": "2145550123", "email": "jo@example.com", "city": "Plano", "zip": "75023"},
	}
	for _, answers := range steps {
		_, err = h.engine.SetAnswers(ctx, id, answers)
		require.NoError(t, err)
		_, err = h.engine.Advance(ctx, id)
		require.NoError(t, err)
	}
	return id
}

func TestStartSession(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusOK)

	v, err := h.engine.StartSession(context.Background(), nil, "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, v.SessionID)
	assert.Equal(t, "type", v.Question.ID)
	assert.Equal(t, 1, v.Step)
	assert.False(t, v.CanGoBack)
	assert.Equal(t, pricing.ModeNone, v.Quote.Mode)

	got, err := h.engine.GetView(context.Background(), v.SessionID)
	require.NoError(t, err)
	assert.Equal(t, v.SessionID, got.SessionID)
}

func TestGetView_UnknownSession(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusOK)

	_, err := h.engine.GetView(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdvance_RequiresCompleteStep(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusOK)
	ctx := context.Background()

	v, err := h.engine.StartSession(ctx, nil, "", "")
	require.NoError(t, err)

	_, err = h.engine.Advance(ctx, v.SessionID)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "type")
}

func TestAdvance_OptionNextAndBranching(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusOK)
	ctx := context.Background()

	v, err := h.engine.StartSession(ctx, nil, "", "")
	require.NoError(t, err)
	id := v.SessionID

	_, err = h.engine.SetAnswers(ctx, id, map[string]string{"type": "tank"})
	require.NoError(t, err)
	v, err = h.engine.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fuel", v.Question.ID)

	_, err = h.engine.SetAnswers(ctx, id, map[string]string{"fuel": "gas"})
	require.NoError(t, err)
	v, err = h.engine.Advance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "venting", v.Question.ID, "gas routes through the venting question")
	assert.True(t, v.CanGoBack)
	assert.Equal(t, pricing.ModeRange, v.Quote.Mode)
}

func TestAdvance_LookupRunsInlineAndUnlocksExact(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusOK)
	id := h.walkToSummary(t)

	v, err := h.engine.GetView(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, "summary", v.Question.ID, "lookup step is passed through, never current")
	assert.Equal(t, pricing.ModeExact, v.Quote.Mode)
	// tank_gas 1200 + venting 0 + fee 85 + expansion 275 -> 1560 -> 1550
	assert.Equal(t, 1550.0, v.Quote.Exact)
}

func TestAdvance_LookupFailureFallsThrough(t *testing.T) {
	h := newHarness(t, http.StatusBadGateway, http.StatusOK)
	id := h.walkToSummary(t)

	v, err := h.engine.GetView(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, "summary", v.Question.ID)
	assert.Equal(t, pricing.ModeRange, v.Quote.Mode, "no lookup means no exact price")
}

func TestAddressEditRelocksExactPrice(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusOK)
	id := h.walkToSummary(t)
	ctx := context.Background()

	v, err := h.engine.SetAnswers(ctx, id, map[string]string{"city": "Frisco"})
	require.NoError(t, err)
	assert.Equal(t, pricing.ModeRange, v.Quote.Mode, "changed address must re-lock the exact price")
}

func TestBack(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusOK)
	id := h.walkToSummary(t)
	ctx := context.Background()

	v, err := h.engine.Back(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "contact", v.Question.ID, "back from summary skips the lookup step")

	// Back at the start is a no-op.
	for i := 0; i < 10; i++ {
		v, err = h.engine.Back(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, "type", v.Question.ID)
	assert.False(t, v.CanGoBack)
}

func TestSubmit_DeliversAndArchives(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusOK)
	id := h.walkToSummary(t)

	v, err := h.engine.Submit(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, v.Submitted)

	require.Len(t, *h.webhooks, 1)
	payload := (*h.webhooks)[0]
	assert.Equal(t, id, payload.SessionID)
	assert.Equal(t, "2145550123", payload.Lead.Phone)
	assert.Equal(t, "exact", payload.Estimate.Mode)
	assert.Equal(t, "google", payload.UTM["utm_source"])

	records := h.archive.Records()
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].SessionID)
}

func TestSubmit_ValidatesServerSide(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusOK)
	ctx := context.Background()

	v, err := h.engine.StartSession(ctx, nil, "", "")
	require.NoError(t, err)

	_, err = h.engine.Submit(ctx, v.SessionID)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, *h.webhooks)
}

func TestSubmit_Cooldown(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusOK)
	id := h.walkToSummary(t)
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, id)
	require.NoError(t, err)

	_, err = h.engine.Submit(ctx, id)
	assert.ErrorIs(t, err, ErrCooldown)

	h.clock.Advance(31 * time.Second)
	_, err = h.engine.Submit(ctx, id)
	require.NoError(t, err)
	assert.Len(t, *h.webhooks, 2)
}

func TestSubmit_WebhookFailureKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusBadGateway)
	id := h.walkToSummary(t)
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, id)
	require.ErrorIs(t, err, ErrWebhookFailed)

	v, err := h.engine.GetView(ctx, id)
	require.NoError(t, err)
	assert.False(t, v.Submitted, "failed delivery must not lock the session")
	assert.Empty(t, h.archive.Records())
}

func TestSubmit_HoneypotDropsSilently(t *testing.T) {
	h := newHarness(t, http.StatusOK, http.StatusOK)
	ctx := context.Background()

	v, err := h.engine.StartSession(ctx, nil, "", "gotcha")
	require.NoError(t, err)
	id := v.SessionID

	for _, answers := range []map[string]string{
		{"type": "tank"},
		{"fuel": "electric"},
		{"name": "Jo", "phone": "2145550123", "email": "jo@example.com", "city": "Plano", "zip": "75023"},
	} {
		_, err = h.engine.SetAnswers(ctx, id, answers)
		require.NoError(t, err)
		_, err = h.engine.Advance(ctx, id)
		require.NoError(t, err)
	}

	v, err = h.engine.Submit(ctx, id)
	require.NoError(t, err)
	assert.True(t, v.Submitted, "bot sees an ordinary success")
	assert.Empty(t, *h.webhooks, "nothing is delivered")
	assert.Empty(t, h.archive.Records())
}

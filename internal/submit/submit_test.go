package submit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthew-callmother/estimator/internal/schema"
	"github.com/matthew-callmother/estimator/internal/session"
)

const submitConfig = `{
  "questions": [
    {"id": "type", "type": "single_select", "next": "fuel",
     "options": [{"value": "tank", "label": "Tank"}, {"value": "tankless", "label": "Tankless"}]},
    {"id": "fuel", "type": "single_select", "next": "contact",
     "options": [{"value": "gas", "label": "Gas"}, {"value": "electric", "label": "Electric"}]},
    {"id": "contact", "type": "form", "next": "permit_wait",
     "fields": [
       {"id": "name", "label": "Name", "kind": "text"},
       {"id": "phone", "label": "Phone", "kind": "tel"},
       {"id": "email", "label": "Email", "kind": "email"},
       {"id": "city", "label": "City", "kind": "text"},
       {"id": "zip", "label": "ZIP", "kind": "zip"}
     ]},
    {"id": "permit_wait", "type": "loading_lookup", "next": "summary",
     "lookup": {"source": "permits", "match_on": "city", "write_to": {"fee": "permit_fee_usd"}}},
    {"id": "summary", "type": "summary", "next": "send"},
    {"id": "send", "type": "submit"}
  ],
  "pricing": {
    "base_price": {"tank_gas": 1200, "tank_electric": 1000},
    "modifiers": {},
    "safety": {"round_to": 25}
  }
}`

func submitCfg(t *testing.T) *schema.Config {
	t.Helper()
	cfg, err := schema.Parse(strings.NewReader(submitConfig))
	require.NoError(t, err)
	return cfg
}

func completedSession(t *testing.T, cfg *schema.Config) *session.Session {
	t.Helper()
	sess := session.New(cfg, map[string]string{"utm_source": "google", "utm_campaign": "spring"}, "https://example.com/quote")
	sess.Answers = map[string]string{
		"type": "tank", "fuel": "electric",
		"name": "Jo Ramirez", "phone": "(214) 555-0123", "email": "  Jo@Example.COM ",
		"city": "Plano", "zip": "75023",
	}
	return sess
}

func TestBuildPayload_NormalizesLead(t *testing.T) {
	cfg := submitCfg(t)
	sess := completedSession(t, cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := BuildPayload(cfg, sess, now)

	assert.Equal(t, sess.ID, p.SessionID)
	assert.Equal(t, now, p.SubmittedAt)
	assert.Equal(t, "Jo Ramirez", p.Lead.Name)
	assert.Equal(t, "2145550123", p.Lead.Phone)
	assert.Equal(t, "jo@example.com", p.Lead.Email)
	assert.Equal(t, "75023", p.Lead.Zip)
	assert.Equal(t, "google", p.UTM["utm_source"])
	assert.Equal(t, "https://example.com/quote", p.PageURL)

	// answers pass through with raw formatting intact
	assert.Equal(t, "(214) 555-0123", p.Answers["phone"])
}

func TestBuildPayload_RangeWhenLocked(t *testing.T) {
	cfg := submitCfg(t)
	sess := completedSession(t, cfg)

	p := BuildPayload(cfg, sess, time.Now())
	assert.Equal(t, "range", p.Estimate.Mode)
	assert.Nil(t, p.Estimate.Price)
	assert.Equal(t, 1000.0, p.Estimate.Low)
	assert.Equal(t, 1000.0, p.Estimate.High)
}

func TestBuildPayload_ExactWhenUnlocked(t *testing.T) {
	cfg := submitCfg(t)
	sess := completedSession(t, cfg)
	sess.Meta.PermitDone = true
	sess.Meta.ExactUnlocked = true
	sess.Meta.PermitSig = session.AddressFingerprint(cfg, sess.Answers)
	sess.Answers[schema.AnswerMunicipality] = "City of Plano"

	p := BuildPayload(cfg, sess, time.Now())
	assert.Equal(t, "exact", p.Estimate.Mode)
	require.NotNil(t, p.Estimate.Price)
	assert.Equal(t, 1000.0, *p.Estimate.Price)
	assert.Equal(t, "City of Plano", p.Municipality)
}

func TestBuildPayload_NotFoundMunicipalityOmitted(t *testing.T) {
	cfg := submitCfg(t)
	sess := completedSession(t, cfg)
	sess.Answers[schema.AnswerMunicipality] = schema.NotFound

	p := BuildPayload(cfg, sess, time.Now())
	assert.Empty(t, p.Municipality)
}

func TestWebhookSend(t *testing.T) {
	var received Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	cfg := submitCfg(t)
	sess := completedSession(t, cfg)
	payload := BuildPayload(cfg, sess, time.Now())

	hook := NewWebhook(srv.URL)
	require.NoError(t, hook.Send(context.Background(), payload))
	assert.Equal(t, sess.ID, received.SessionID)
	assert.Equal(t, "2145550123", received.Lead.Phone)
}

func TestWebhookSend_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL)
	err := hook.Send(context.Background(), Payload{SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestMemoryArchive(t *testing.T) {
	cfg := submitCfg(t)
	sess := completedSession(t, cfg)
	payload := BuildPayload(cfg, sess, time.Now())

	rec, err := NewRecord("lead-1", payload)
	require.NoError(t, err)

	arch := NewMemoryArchive()
	require.NoError(t, arch.Save(context.Background(), rec))

	records := arch.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "lead-1", records[0].ID)
	assert.Equal(t, "2145550123", records[0].Phone)
	assert.JSONEq(t, string(rec.Payload), string(records[0].Payload))
}

func TestPostgresArchiveSave(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := submitCfg(t)
	sess := completedSession(t, cfg)
	payload := BuildPayload(cfg, sess, time.Now())
	rec, err := NewRecord("lead-1", payload)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO leads").
		WithArgs(rec.ID, rec.SessionID, rec.Name, rec.Phone, rec.Email, rec.Zip,
			rec.Mode, rec.Low, rec.High, []byte(rec.Payload), rec.SubmittedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	arch := NewPostgresArchive(db)
	require.NoError(t, arch.Save(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

// Package session holds the mutable per-visitor estimator state: the answer
// map, lead contact details, lookup meta-flags, and navigation history.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matthew-callmother/estimator/internal/schema"
)

// Lead is the normalized view of the contact fields collected by the form
// step. Lead fields are stored in the answer map like any other answer; this
// struct is a projection, not a second source of truth.
type Lead struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
	Zip   string `json:"zip"`
}

// Meta carries the lookup gates and navigation history.
type Meta struct {
	PermitDone    bool       `json:"permit_done"`
	PermitSig     string     `json:"permit_sig,omitempty"`
	ExactUnlocked bool       `json:"exact_unlocked"`
	History       []string   `json:"history"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
}

// Session is the full persisted state of one widget instance.
type Session struct {
	ID        string            `json:"id"`
	CurrentID string            `json:"current_id"`
	Answers   map[string]string `json:"answers"`
	Meta      Meta              `json:"meta"`

	// UTM holds campaign-attribution parameters captured from the page URL
	// at session start. They are never re-captured for an existing session.
	UTM      map[string]string `json:"utm,omitempty"`
	PageURL  string            `json:"page_url,omitempty"`
	Honeypot string            `json:"honeypot,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an empty session positioned at the start question.
func New(cfg *schema.Config, utm map[string]string, pageURL string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		CurrentID: cfg.StartID(),
		Answers:   make(map[string]string),
		Meta:      Meta{History: []string{}},
		UTM:       utm,
		PageURL:   pageURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Lead projects the contact answers into a Lead record.
func (s *Session) Lead() Lead {
	return Lead{
		Name:  s.Answers["name"],
		Phone: s.Answers["phone"],
		Email: s.Answers["email"],
		Zip:   s.Answers["zip"],
	}
}

// Touch stamps the session as modified.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// SetAnswer writes one answer and, when the key contributes to the address
// fingerprint, invalidates any previously completed lookup.
func (s *Session) SetAnswer(cfg *schema.Config, id, value string) {
	if s.Answers == nil {
		s.Answers = make(map[string]string)
	}
	old, had := s.Answers[id]
	if value == "" {
		delete(s.Answers, id)
	} else {
		s.Answers[id] = value
	}
	if had && old == value {
		return
	}
	if isAddressField(cfg, id) {
		s.InvalidateLookup(cfg)
	}
	s.Touch()
}

// InvalidateLookup clears the lookup gates and deletes every lookup-derived
// answer, reverting pricing to range mode until the lookup is re-run.
func (s *Session) InvalidateLookup(cfg *schema.Config) {
	s.Meta.PermitDone = false
	s.Meta.PermitSig = ""
	s.Meta.ExactUnlocked = false
	for _, key := range cfg.LookupWrites() {
		delete(s.Answers, key)
	}
	delete(s.Answers, schema.AnswerMunicipality)
}

// ExactPermitted reports whether the lookup gate currently allows an exact
// price: the lookup completed and its fingerprint still matches the address
// answers.
func (s *Session) ExactPermitted(cfg *schema.Config) bool {
	return s.Meta.ExactUnlocked &&
		s.Meta.PermitSig != "" &&
		s.Meta.PermitSig == AddressFingerprint(cfg, s.Answers)
}

// PushHistory records a visited non-transient question id.
func (s *Session) PushHistory(id string) {
	if n := len(s.Meta.History); n > 0 && s.Meta.History[n-1] == id {
		return
	}
	s.Meta.History = append(s.Meta.History, id)
}

// PopHistory removes and returns the most recent history entry.
func (s *Session) PopHistory() (string, bool) {
	n := len(s.Meta.History)
	if n == 0 {
		return "", false
	}
	id := s.Meta.History[n-1]
	s.Meta.History = s.Meta.History[:n-1]
	return id, true
}

// AddressFingerprint computes the normalized concatenation of the
// address-contributing answers. An empty fingerprint means no address has
// been entered yet.
func AddressFingerprint(cfg *schema.Config, answers map[string]string) string {
	fields := cfg.AddressFields()
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	empty := true
	for _, id := range fields {
		v := strings.ToLower(strings.TrimSpace(answers[id]))
		if v != "" {
			empty = false
		}
		parts = append(parts, v)
	}
	if empty {
		return ""
	}
	return strings.Join(parts, "|")
}

func isAddressField(cfg *schema.Config, id string) bool {
	for _, f := range cfg.AddressFields() {
		if f == id {
			return true
		}
	}
	return false
}

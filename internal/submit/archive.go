package submit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Record is one archived lead submission.
type Record struct {
	ID          string
	SessionID   string
	Name        string
	Phone       string
	Email       string
	Zip         string
	Mode        string
	Low         float64
	High        float64
	Payload     json.RawMessage
	SubmittedAt time.Time
}

// Archive stores delivered leads for later retrieval. Archival failures are
// logged but never block the visitor's submission.
type Archive interface {
	Save(ctx context.Context, rec *Record) error
}

// NewRecord flattens a payload into an archive record.
func NewRecord(id string, payload Payload) (*Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("submit: encode archive payload: %w", err)
	}
	return &Record{
		ID:          id,
		SessionID:   payload.SessionID,
		Name:        payload.Lead.Name,
		Phone:       payload.Lead.Phone,
		Email:       payload.Lead.Email,
		Zip:         payload.Lead.Zip,
		Mode:        payload.Estimate.Mode,
		Low:         payload.Estimate.Low,
		High:        payload.Estimate.High,
		Payload:     raw,
		SubmittedAt: payload.SubmittedAt,
	}, nil
}

// MemoryArchive keeps archived leads in process memory.
type MemoryArchive struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{}
}

func (a *MemoryArchive) Save(ctx context.Context, rec *Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, *rec)
	return nil
}

// Records returns a copy of everything archived so far.
func (a *MemoryArchive) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, len(a.records))
	copy(out, a.records)
	return out
}

// PostgresArchive persists leads to the leads table.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive wraps an open database handle.
func NewPostgresArchive(db *sql.DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

func (a *PostgresArchive) Save(ctx context.Context, rec *Record) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO leads (id, session_id, name, phone, email, zip,
		    estimate_mode, estimate_low, estimate_high, payload, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SessionID, rec.Name, rec.Phone, rec.Email, rec.Zip,
		rec.Mode, rec.Low, rec.High, []byte(rec.Payload), rec.SubmittedAt)
	if err != nil {
		return fmt.Errorf("submit: archive lead %s: %w", rec.ID, err)
	}
	return nil
}

// Package submit turns a finished session into the outbound lead: payload
// assembly, webhook delivery, and durable archival.
package submit

import (
	"time"

	"github.com/matthew-callmother/estimator/internal/pricing"
	"github.com/matthew-callmother/estimator/internal/schema"
	"github.com/matthew-callmother/estimator/internal/session"
)

// Estimate is the wire form of the quote at submission time.
type Estimate struct {
	Mode        string   `json:"mode"`
	Price       *float64 `json:"price,omitempty"`
	Low         float64  `json:"low"`
	High        float64  `json:"high"`
	ScenarioKey string   `json:"scenario_key"`
}

// Lead is the normalized contact block of the payload.
type Lead struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
	Zip   string `json:"zip,omitempty"`
}

// Payload is the document POSTed to the webhook and archived.
type Payload struct {
	SessionID    string            `json:"session_id"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	PageURL      string            `json:"page_url,omitempty"`
	Lead         Lead              `json:"lead"`
	Answers      map[string]string `json:"answers"`
	Estimate     Estimate          `json:"estimate"`
	Municipality string            `json:"municipality,omitempty"`
	UTM          map[string]string `json:"utm,omitempty"`
}

// BuildPayload assembles the outbound lead document. Phone and email are
// normalized here so the webhook consumer never sees raw user formatting;
// answers are passed through untouched.
func BuildPayload(cfg *schema.Config, sess *session.Session, now time.Time) Payload {
	lead := sess.Lead()

	quote := pricing.Compute(cfg, sess.Answers, sess.ExactPermitted(cfg))
	est := Estimate{
		Mode:        string(quote.Mode),
		Low:         quote.Range.Low,
		High:        quote.Range.High,
		ScenarioKey: quote.ScenarioKey,
	}
	if quote.Mode == pricing.ModeExact {
		price := quote.Exact
		est.Price = &price
	}

	answers := make(map[string]string, len(sess.Answers))
	for k, v := range sess.Answers {
		answers[k] = v
	}

	return Payload{
		SessionID:   sess.ID,
		SubmittedAt: now.UTC(),
		PageURL:     sess.PageURL,
		Lead: Lead{
			Name:  lead.Name,
			Phone: session.NormalizePhone(lead.Phone),
			Email: session.NormalizeEmail(lead.Email),
			Zip:   lead.Zip,
		},
		Answers:      answers,
		Estimate:     est,
		Municipality: municipality(sess.Answers),
		UTM:          sess.UTM,
	}
}

func municipality(answers map[string]string) string {
	v := answers[schema.AnswerMunicipality]
	if v == schema.NotFound {
		return ""
	}
	return v
}

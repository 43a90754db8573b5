// Package schema models the remote estimator configuration document: the
// question graph, the pricing table, and the municipality lookup spec.
package schema

import (
	"encoding/json"
	"fmt"
)

// QuestionType enumerates the closed set of step variants.
type QuestionType string

const (
	TypeSingleSelect  QuestionType = "single_select"
	TypeForm          QuestionType = "form"
	TypeContent       QuestionType = "content"
	TypeSummary       QuestionType = "summary"
	TypeSubmit        QuestionType = "submit"
	TypeLoadingLookup QuestionType = "loading_lookup"
)

// Answer keys written by the permit lookup. Pricing and invalidation read
// these back out of the answer map.
const (
	AnswerPermitFee     = "permit_fee_usd"
	AnswerExpansionTank = "expansion_tank_required"
	AnswerMunicipality  = "municipality_name"
)

// NotFound is the sentinel written for lookup misses so stale data is never
// silently left behind.
const NotFound = "not_found"

// Option is one selectable choice of a single_select question.
type Option struct {
	Value    string  `json:"value"`
	Label    string  `json:"label"`
	Next     string  `json:"next,omitempty"`
	Price    float64 `json:"price,omitempty"`
	ImageURL string  `json:"image_url,omitempty"`
}

// FieldKind selects the validation rule applied to a form field.
type FieldKind string

const (
	FieldText  FieldKind = "text"
	FieldPhone FieldKind = "tel"
	FieldEmail FieldKind = "email"
	FieldZip   FieldKind = "zip"
)

// Field is one input of a form question. Field answers live in the session
// answer map under the field ID, alongside question answers.
type Field struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Kind     FieldKind `json:"kind"`
	Optional bool      `json:"optional,omitempty"`
}

// DependsOn is a visibility predicate: the question is visible iff the
// referenced answer equals the given value.
type DependsOn struct {
	QuestionID string `json:"question_id"`
	Equals     string `json:"equals"`
}

// SelectSpec carries the fields specific to single_select questions.
type SelectSpec struct {
	Options []Option `json:"options"`
}

// Option returns the option matching value, or nil.
func (s *SelectSpec) Option(value string) *Option {
	for i := range s.Options {
		if s.Options[i].Value == value {
			return &s.Options[i]
		}
	}
	return nil
}

// FormSpec carries the fields specific to form questions.
type FormSpec struct {
	Fields []Field `json:"fields"`
}

// LookupSpec describes the municipality permit lookup: which answer supplies
// the match key and where matched row fields are written.
type LookupSpec struct {
	Source  string            `json:"source"`
	MatchOn string            `json:"match_on"`
	WriteTo map[string]string `json:"write_to"`

	// FingerprintFields lists the answer IDs whose values form the address
	// fingerprint. Defaults to just MatchOn.
	FingerprintFields []string `json:"fingerprint_fields,omitempty"`
}

// AddressFields returns the answer IDs that contribute to the address
// fingerprint.
func (l *LookupSpec) AddressFields() []string {
	if l == nil {
		return nil
	}
	if len(l.FingerprintFields) > 0 {
		return l.FingerprintFields
	}
	if l.MatchOn == "" {
		return nil
	}
	return []string{l.MatchOn}
}

// LookupStep carries the fields specific to loading_lookup questions.
type LookupStep struct {
	Lookup     *LookupSpec `json:"lookup,omitempty"`
	DurationMS int         `json:"duration_ms,omitempty"`
}

// DefaultLookupDurationMS is the minimum visible duration of a lookup step
// when the config omits one.
const DefaultLookupDurationMS = 1400

// Duration returns the configured minimum duration in milliseconds.
func (l *LookupStep) Duration() int {
	if l == nil || l.DurationMS <= 0 {
		return DefaultLookupDurationMS
	}
	return l.DurationMS
}

// Question is one step of the graph. Exactly one variant pointer is non-nil
// for variant-bearing types; content/summary/submit carry none.
type Question struct {
	ID        string       `json:"id"`
	Type      QuestionType `json:"type"`
	Title     string       `json:"title,omitempty"`
	Body      string       `json:"body,omitempty"`
	Next      string       `json:"next,omitempty"`
	DependsOn *DependsOn   `json:"depends_on,omitempty"`
	Transient bool         `json:"transient,omitempty"`

	Select *SelectSpec `json:"-"`
	Form   *FormSpec   `json:"-"`
	Load   *LookupStep `json:"-"`
}

// questionWire is the flat JSON shape of a question as published in the
// config document.
type questionWire struct {
	ID        string       `json:"id"`
	Type      QuestionType `json:"type"`
	Title     string       `json:"title"`
	Body      string       `json:"body"`
	Next      string       `json:"next"`
	DependsOn *DependsOn   `json:"depends_on"`
	Transient bool         `json:"transient"`

	Options    []Option    `json:"options"`
	Fields     []Field     `json:"fields"`
	Lookup     *LookupSpec `json:"lookup"`
	DurationMS int         `json:"duration_ms"`
}

// UnmarshalJSON decodes the flat wire shape into the tagged variant form.
func (q *Question) UnmarshalJSON(data []byte) error {
	var w questionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*q = Question{
		ID:        w.ID,
		Type:      w.Type,
		Title:     w.Title,
		Body:      w.Body,
		Next:      w.Next,
		DependsOn: w.DependsOn,
		Transient: w.Transient,
	}
	switch w.Type {
	case TypeSingleSelect:
		q.Select = &SelectSpec{Options: w.Options}
	case TypeForm:
		q.Form = &FormSpec{Fields: w.Fields}
	case TypeLoadingLookup:
		q.Load = &LookupStep{Lookup: w.Lookup, DurationMS: w.DurationMS}
		// Lookup steps run between two real steps; treat them as transient
		// unless the config explicitly says otherwise.
		if !w.Transient {
			q.Transient = true
		}
	case TypeContent, TypeSummary, TypeSubmit:
		// no variant payload
	default:
		return fmt.Errorf("schema: question %q has unknown type %q", w.ID, w.Type)
	}
	return nil
}

// MarshalJSON re-emits the flat wire shape.
func (q Question) MarshalJSON() ([]byte, error) {
	w := questionWire{
		ID:        q.ID,
		Type:      q.Type,
		Title:     q.Title,
		Body:      q.Body,
		Next:      q.Next,
		DependsOn: q.DependsOn,
		Transient: q.Transient,
	}
	if q.Select != nil {
		w.Options = q.Select.Options
	}
	if q.Form != nil {
		w.Fields = q.Form.Fields
	}
	if q.Load != nil {
		w.Lookup = q.Load.Lookup
		w.DurationMS = q.Load.DurationMS
	}
	return json.Marshal(w)
}

// Safety holds rounding and clamping rules for computed prices.
type Safety struct {
	RoundTo            float64  `json:"round_to,omitempty"`
	MinReasonablePrice *float64 `json:"min_reasonable_price,omitempty"`
	MaxReasonablePrice *float64 `json:"max_reasonable_price,omitempty"`
}

// DefaultRoundTo is the rounding granularity when the config omits one.
const DefaultRoundTo = 25.0

// Granularity returns the effective rounding step.
func (s *Safety) Granularity() float64 {
	if s == nil || s.RoundTo <= 0 {
		return DefaultRoundTo
	}
	return s.RoundTo
}

// Pricing is the pricing table: base prices keyed by "{type}_{fuel}", additive
// modifier tables per dimension, and safety rails.
type Pricing struct {
	BasePrice map[string]float64            `json:"base_price"`
	Modifiers map[string]map[string]float64 `json:"modifiers"`
	Safety    *Safety                       `json:"safety,omitempty"`

	// FuelNotSurePenalty is added when the fuel answer is explicitly
	// "not_sure". Some config revisions publish it inside modifiers as a
	// bare number; UnmarshalJSON lifts it out.
	FuelNotSurePenalty float64 `json:"fuel_not_sure_penalty,omitempty"`

	// ExpansionTankSurcharge is added when the lookup marks an expansion
	// tank as required.
	ExpansionTankSurcharge float64 `json:"expansion_tank_surcharge,omitempty"`

	// ExactRequires lists answer IDs that must be present before an exact
	// price may be shown.
	ExactRequires []string `json:"exact_requires,omitempty"`

	// Drivers maps a pricing dimension to the question that supplies it,
	// for configs where dimension name != question id.
	Drivers map[string]string `json:"drivers,omitempty"`
}

type pricingWire struct {
	BasePrice              map[string]float64         `json:"base_price"`
	Modifiers              map[string]json.RawMessage `json:"modifiers"`
	Safety                 *Safety                    `json:"safety"`
	FuelNotSurePenalty     float64                    `json:"fuel_not_sure_penalty"`
	ExpansionTankSurcharge float64                    `json:"expansion_tank_surcharge"`
	ExactRequires          []string                   `json:"exact_requires"`
	Drivers                map[string]string          `json:"drivers"`
}

// UnmarshalJSON tolerates scalar entries inside modifiers (legacy penalty
// placement) while decoding real dimensions into value tables.
func (p *Pricing) UnmarshalJSON(data []byte) error {
	var w pricingWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Pricing{
		BasePrice:              w.BasePrice,
		Modifiers:              make(map[string]map[string]float64, len(w.Modifiers)),
		Safety:                 w.Safety,
		FuelNotSurePenalty:     w.FuelNotSurePenalty,
		ExpansionTankSurcharge: w.ExpansionTankSurcharge,
		ExactRequires:          w.ExactRequires,
		Drivers:                w.Drivers,
	}
	for name, raw := range w.Modifiers {
		var table map[string]float64
		if err := json.Unmarshal(raw, &table); err == nil {
			p.Modifiers[name] = table
			continue
		}
		var scalar float64
		if err := json.Unmarshal(raw, &scalar); err != nil {
			return fmt.Errorf("schema: modifier %q is neither a table nor a number", name)
		}
		if name == "fuel_not_sure_penalty" {
			p.FuelNotSurePenalty = scalar
			continue
		}
		return fmt.Errorf("schema: modifier %q is a bare number", name)
	}
	return nil
}

// Driver returns the question ID supplying a pricing dimension.
func (p *Pricing) Driver(dimension string) string {
	if p.Drivers != nil {
		if id, ok := p.Drivers[dimension]; ok && id != "" {
			return id
		}
	}
	return dimension
}

// Config is the full estimator configuration document.
type Config struct {
	Start     string      `json:"start,omitempty"`
	Questions []Question  `json:"questions"`
	Pricing   Pricing     `json:"pricing"`
	Lookup    *LookupSpec `json:"lookup,omitempty"`

	byID map[string]*Question
}

// Question returns the question with the given ID, or nil.
func (c *Config) Question(id string) *Question {
	if c.byID == nil {
		c.index()
	}
	return c.byID[id]
}

func (c *Config) index() {
	c.byID = make(map[string]*Question, len(c.Questions))
	for i := range c.Questions {
		c.byID[c.Questions[i].ID] = &c.Questions[i]
	}
}

// StartID returns the entry point of the question graph.
func (c *Config) StartID() string {
	if c.Start != "" {
		return c.Start
	}
	if len(c.Questions) > 0 {
		return c.Questions[0].ID
	}
	return ""
}

// LookupFor resolves the lookup spec for a lookup step, preferring the
// step-level spec over the document-level one.
func (c *Config) LookupFor(q *Question) *LookupSpec {
	if q != nil && q.Load != nil && q.Load.Lookup != nil {
		return q.Load.Lookup
	}
	return c.Lookup
}

// AddressFields returns the union of fingerprint fields across all lookup
// specs in the document.
func (c *Config) AddressFields() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	add(c.Lookup.AddressFields())
	for i := range c.Questions {
		if c.Questions[i].Load != nil {
			add(c.Questions[i].Load.Lookup.AddressFields())
		}
	}
	return out
}

// LookupWrites returns every answer ID any lookup spec may write, so
// invalidation can clear them all.
func (c *Config) LookupWrites() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(spec *LookupSpec) {
		if spec == nil {
			return
		}
		for _, dest := range spec.WriteTo {
			if _, ok := seen[dest]; ok {
				continue
			}
			seen[dest] = struct{}{}
			out = append(out, dest)
		}
	}
	add(c.Lookup)
	for i := range c.Questions {
		if c.Questions[i].Load != nil {
			add(c.Questions[i].Load.Lookup)
		}
	}
	return out
}

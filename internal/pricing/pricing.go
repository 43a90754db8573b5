// Package pricing computes installation price estimates from the config
// pricing table and the current answers: an exact price once everything is
// known, and a bracketing low/high range while answers are still partial.
package pricing

import (
	"math"
	"strconv"
	"strings"

	"github.com/matthew-callmother/estimator/internal/schema"
)

// Dimension names with special semantics in the pricing table.
const (
	dimType    = "type"
	dimFuel    = "fuel"
	dimVenting = "venting"
)

// Range brackets every exact price consistent with the answers so far.
type Range struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Mode tells the renderer which price presentation is allowed.
type Mode string

const (
	ModeNone  Mode = "none"
	ModeRange Mode = "range"
	ModeExact Mode = "exact"
)

// Quote bundles everything the renderer needs to show a price.
type Quote struct {
	Mode        Mode    `json:"mode"`
	Exact       float64 `json:"exact,omitempty"`
	Range       Range   `json:"range"`
	ScenarioKey string  `json:"scenario_key"`
}

// ComputeExact resolves the single-valued estimate for the given answers.
// Unanswered dimensions contribute zero; the base key falls back to a safe
// default when the composite {type}_{fuel} key is absent from the table.
func ComputeExact(cfg *schema.Config, answers map[string]string) float64 {
	p := &cfg.Pricing
	fuel := answers[p.Driver(dimFuel)]

	key := resolveBaseKey(p, answers)
	price := p.BasePrice[key]

	for dim, table := range p.Modifiers {
		if applicability(cfg, answers, dim) == dimExcluded {
			continue
		}
		price += table[answers[p.Driver(dim)]]
	}

	if fuel == "not_sure" {
		price += p.FuelNotSurePenalty
	}

	price += lookupSurcharges(p, answers)

	return finish(p, price)
}

// ComputeRange brackets all exact prices reachable from the answers so far:
// answered dimensions contribute a single value to both bounds, unanswered
// ones their table's minimum and maximum. The base contribution is the
// min/max across base entries consistent with whichever of type/fuel is
// already known.
func ComputeRange(cfg *schema.Config, answers map[string]string) Range {
	p := &cfg.Pricing
	fuel := answers[p.Driver(dimFuel)]

	low, high := baseBounds(p, answers)

	for dim, table := range p.Modifiers {
		driver := p.Driver(dim)
		switch applicability(cfg, answers, dim) {
		case dimExcluded:
			continue
		case dimApplies:
			if v, ok := answers[driver]; ok && v != "" {
				delta := table[v]
				low += delta
				high += delta
			} else if !askable(cfg, answers, driver) {
				// The driving question is hidden under these answers, so the
				// dimension stays unanswered and contributes zero.
			} else {
				lo, hi := tableBounds(table)
				low += lo
				high += hi
			}
		case dimPossible:
			// The dimension may or may not end up applying; zero stays in
			// the bracket.
			lo, hi := tableBounds(table)
			low += math.Min(0, lo)
			high += math.Max(0, hi)
		}
	}

	switch fuel {
	case "not_sure":
		low += p.FuelNotSurePenalty
		high += p.FuelNotSurePenalty
	case "":
		low += math.Min(0, p.FuelNotSurePenalty)
		high += math.Max(0, p.FuelNotSurePenalty)
	}

	fee := lookupSurcharges(p, answers)
	low += fee
	high += fee

	return Range{Low: finish(p, low), High: finish(p, high)}
}

// ExactReady reports whether every pricing-relevant answer is present: the
// base drivers, every applicable modifier dimension the visitor can actually
// be asked, and any configured exact_requires answers. A dimension whose
// driving question is hidden under the current answers cannot gate: the
// venting question hides for fuel=not_sure even though venting still prices,
// so it stays at its unanswered zero instead of blocking exact mode.
func ExactReady(cfg *schema.Config, answers map[string]string) bool {
	p := &cfg.Pricing

	for _, dim := range []string{dimType, dimFuel} {
		if id := p.Driver(dim); collected(cfg, id) && answers[id] == "" {
			return false
		}
	}
	for dim := range p.Modifiers {
		if applicability(cfg, answers, dim) != dimApplies {
			continue
		}
		id := p.Driver(dim)
		if collected(cfg, id) && askable(cfg, answers, id) && answers[id] == "" {
			return false
		}
	}
	for _, id := range p.ExactRequires {
		if answers[id] == "" {
			return false
		}
	}
	return true
}

// Relevant reports whether any pricing-relevant answer exists at all; until
// one does, the renderer shows no estimate.
func Relevant(cfg *schema.Config, answers map[string]string) bool {
	p := &cfg.Pricing
	if answers[p.Driver(dimType)] != "" || answers[p.Driver(dimFuel)] != "" {
		return true
	}
	for dim := range p.Modifiers {
		if answers[p.Driver(dim)] != "" {
			return true
		}
	}
	return false
}

// Compute builds the full quote. exactUnlocked is the lookup coordinator's
// gate (unlocked and fingerprint-matching); the pricing engine does not own
// it but enforces it.
func Compute(cfg *schema.Config, answers map[string]string, exactUnlocked bool) Quote {
	q := Quote{
		Mode:        ModeNone,
		Range:       ComputeRange(cfg, answers),
		ScenarioKey: resolveBaseKey(&cfg.Pricing, answers),
	}
	if !Relevant(cfg, answers) {
		return q
	}
	q.Mode = ModeRange
	if ExactReady(cfg, answers) && exactUnlocked {
		q.Mode = ModeExact
		q.Exact = ComputeExact(cfg, answers)
	}
	return q
}

// Round rounds half away from zero to the configured granularity.
func Round(p *schema.Pricing, x float64) float64 {
	step := p.Safety.Granularity()
	return math.Round(x/step) * step
}

type dimApplicability int

const (
	dimApplies dimApplicability = iota
	dimPossible
	dimExcluded
)

// applicability decides whether a modifier dimension contributes. Venting
// applies only when fuel is gas or unknown; other dimensions follow the
// visibility predicate of their driving question, with an unanswered
// upstream leaving them possible rather than certain.
func applicability(cfg *schema.Config, answers map[string]string, dim string) dimApplicability {
	p := &cfg.Pricing
	if dim == dimVenting {
		switch answers[p.Driver(dimFuel)] {
		case "gas", "not_sure":
			return dimApplies
		case "":
			return dimPossible
		default:
			return dimExcluded
		}
	}
	q := cfg.Question(p.Driver(dim))
	if q == nil || q.DependsOn == nil {
		return dimApplies
	}
	switch answers[q.DependsOn.QuestionID] {
	case q.DependsOn.Equals:
		return dimApplies
	case "":
		return dimPossible
	default:
		return dimExcluded
	}
}

// askable reports whether the question collecting id can be shown under the
// current answers. Pricing applicability and question visibility are distinct
// predicates; a dimension can price while its question is hidden.
func askable(cfg *schema.Config, answers map[string]string, id string) bool {
	q := cfg.Question(id)
	if q == nil {
		q = formCollecting(cfg, id)
	}
	if q == nil || q.DependsOn == nil {
		return true
	}
	return answers[q.DependsOn.QuestionID] == q.DependsOn.Equals
}

func formCollecting(cfg *schema.Config, id string) *schema.Question {
	for i := range cfg.Questions {
		form := cfg.Questions[i].Form
		if form == nil {
			continue
		}
		for _, f := range form.Fields {
			if f.ID == id {
				return &cfg.Questions[i]
			}
		}
	}
	return nil
}

// collected reports whether the config actually gathers an answer under id,
// either as a question or as a form field. Dimensions the config never asks
// about cannot gate exact pricing.
func collected(cfg *schema.Config, id string) bool {
	return cfg.Question(id) != nil || formCollecting(cfg, id) != nil
}

func resolveBaseKey(p *schema.Pricing, answers map[string]string) string {
	t := answers[p.Driver(dimType)]
	if t == "" {
		t = "tank"
	}
	f := answers[p.Driver(dimFuel)]
	if f == "" {
		f = "gas"
	}
	key := t + "_" + f
	if _, ok := p.BasePrice[key]; !ok {
		if t == "tankless" {
			return "tankless_gas"
		}
		return "tank_gas"
	}
	return key
}

// baseBounds filters the base table by the answered subset of {type, fuel}.
// When nothing matches the filter, both bounds collapse to the fallback key
// so the range stays consistent with ComputeExact.
func baseBounds(p *schema.Pricing, answers map[string]string) (float64, float64) {
	t := answers[p.Driver(dimType)]
	f := answers[p.Driver(dimFuel)]

	low := math.Inf(1)
	high := math.Inf(-1)
	for key, base := range p.BasePrice {
		kt, kf, ok := strings.Cut(key, "_")
		if !ok {
			continue
		}
		if t != "" && kt != t {
			continue
		}
		if f != "" && kf != f {
			continue
		}
		low = math.Min(low, base)
		high = math.Max(high, base)
	}
	if math.IsInf(low, 1) {
		base := p.BasePrice[resolveBaseKey(p, answers)]
		return base, base
	}
	return low, high
}

func tableBounds(table map[string]float64) (float64, float64) {
	low := math.Inf(1)
	high := math.Inf(-1)
	for _, v := range table {
		low = math.Min(low, v)
		high = math.Max(high, v)
	}
	if math.IsInf(low, 1) {
		return 0, 0
	}
	return low, high
}

func lookupSurcharges(p *schema.Pricing, answers map[string]string) float64 {
	var total float64
	if raw, ok := answers[schema.AnswerPermitFee]; ok && raw != schema.NotFound {
		if fee, err := strconv.ParseFloat(raw, 64); err == nil {
			total += fee
		}
	}
	if required(answers[schema.AnswerExpansionTank]) {
		total += p.ExpansionTankSurcharge
	}
	return total
}

func required(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "required", "1":
		return true
	}
	return false
}

func finish(p *schema.Pricing, price float64) float64 {
	price = Round(p, price)
	if s := p.Safety; s != nil {
		if s.MinReasonablePrice != nil && price < *s.MinReasonablePrice {
			price = *s.MinReasonablePrice
		}
		if s.MaxReasonablePrice != nil && price > *s.MaxReasonablePrice {
			price = *s.MaxReasonablePrice
		}
	}
	return price
}

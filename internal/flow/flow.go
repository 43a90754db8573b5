// Package flow implements the visibility and navigation rules of the
// question graph: which steps are visible, which step is current, how
// forward/back traversal works, and how state is pruned when upstream
// answers change.
package flow

import (
	"fmt"

	"github.com/matthew-callmother/estimator/internal/schema"
	"github.com/matthew-callmother/estimator/internal/session"
)

// Visible evaluates the question's depends_on predicate against answers.
func Visible(q *schema.Question, answers map[string]string) bool {
	if q.DependsOn == nil {
		return true
	}
	return answers[q.DependsOn.QuestionID] == q.DependsOn.Equals
}

// VisibleQuestions filters the graph by visibility, preserving the declared
// configuration order (not visitation order).
func VisibleQuestions(cfg *schema.Config, answers map[string]string) []*schema.Question {
	out := make([]*schema.Question, 0, len(cfg.Questions))
	for i := range cfg.Questions {
		if Visible(&cfg.Questions[i], answers) {
			out = append(out, &cfg.Questions[i])
		}
	}
	return out
}

// ValidateField applies the field's validation rule to a raw value. A nil
// return means the value passes.
func ValidateField(f schema.Field, raw string) error {
	if raw == "" {
		if f.Optional {
			return nil
		}
		return fmt.Errorf("%s is required", f.Label)
	}
	switch f.Kind {
	case schema.FieldPhone:
		if !session.ValidPhone(raw) {
			return fmt.Errorf("%s must be a 10-digit US phone number", f.Label)
		}
	case schema.FieldEmail:
		if !session.ValidEmail(raw) {
			return fmt.Errorf("%s must be a valid email address", f.Label)
		}
	case schema.FieldZip:
		if !session.ValidZip(raw) {
			return fmt.Errorf("%s must be a valid ZIP code", f.Label)
		}
	}
	return nil
}

// FieldErrors returns per-field validation messages for a form question.
// Empty map means the form is complete.
func FieldErrors(q *schema.Question, answers map[string]string) map[string]string {
	if q.Type != schema.TypeForm || q.Form == nil {
		return nil
	}
	errs := make(map[string]string)
	for _, f := range q.Form.Fields {
		if err := ValidateField(f, answers[f.ID]); err != nil {
			errs[f.ID] = err.Error()
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// IsComplete reports whether the question blocks forward navigation.
// Content, summary, submit and lookup steps never block by themselves.
func IsComplete(q *schema.Question, answers map[string]string) bool {
	switch q.Type {
	case schema.TypeSingleSelect:
		return answers[q.ID] != ""
	case schema.TypeForm:
		return FieldErrors(q, answers) == nil
	default:
		return true
	}
}

// Advance resolves the forward transition target. For single_select the
// selected option's next target takes precedence over the question's own.
// ok is false at a terminal step.
func Advance(q *schema.Question, answers map[string]string) (string, bool) {
	if q.Type == schema.TypeSingleSelect && q.Select != nil {
		if opt := q.Select.Option(answers[q.ID]); opt != nil && opt.Next != "" {
			return opt.Next, true
		}
	}
	if q.Next != "" {
		return q.Next, true
	}
	return "", false
}

// GoBack pops the most recent history entry and makes it current. History
// only ever holds non-transient reachable steps, so Back can never land on a
// lookup step. Returns false (no-op) when there is nothing to go back to.
func GoBack(sess *session.Session) (string, bool) {
	id, ok := sess.PopHistory()
	if !ok {
		return sess.CurrentID, false
	}
	sess.CurrentID = id
	sess.Touch()
	return id, true
}

// Reconcile re-establishes the reachability invariant after answers change:
// answers owned by now-invisible questions are dropped (repeatedly, since
// dropping an answer can hide further questions), stale history entries are
// removed, and an unreachable current step resets to the start question.
func Reconcile(cfg *schema.Config, sess *session.Session) {
	droppedAddress := false

	for range cfg.Questions {
		reachable := reachableSet(cfg, sess.Answers)
		changed := false
		for key := range sess.Answers {
			owner, owned := ownerOf(cfg, key)
			if !owned {
				// Lookup-derived keys are invalidated via the fingerprint
				// rule, not visibility.
				continue
			}
			if _, ok := reachable[owner]; ok {
				continue
			}
			delete(sess.Answers, key)
			changed = true
			if isAddressField(cfg, key) {
				droppedAddress = true
			}
		}
		if !changed {
			break
		}
	}

	reachable := reachableSet(cfg, sess.Answers)

	if droppedAddress {
		sess.InvalidateLookup(cfg)
	}

	kept := sess.Meta.History[:0]
	for _, id := range sess.Meta.History {
		q := cfg.Question(id)
		if q == nil || q.Transient {
			continue
		}
		if _, ok := reachable[id]; ok {
			kept = append(kept, id)
		}
	}
	sess.Meta.History = kept

	if _, ok := reachable[sess.CurrentID]; !ok {
		sess.CurrentID = cfg.StartID()
	}
}

// Steps returns the 1-based display position of the current step and the
// total step count. Transient steps are excluded from both.
func Steps(cfg *schema.Config, sess *session.Session) (index, total int) {
	for _, q := range VisibleQuestions(cfg, sess.Answers) {
		if q.Transient {
			continue
		}
		total++
		if q.ID == sess.CurrentID {
			index = total
		}
	}
	if index == 0 && total > 0 {
		// Current step pruned out from under us: clamp to the last step.
		index = total
	}
	return index, total
}

func reachableSet(cfg *schema.Config, answers map[string]string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, q := range VisibleQuestions(cfg, answers) {
		set[q.ID] = struct{}{}
	}
	return set
}

// ownerOf maps an answer key to the question that collects it: the question
// itself for single_select, the enclosing form for field answers.
func ownerOf(cfg *schema.Config, key string) (string, bool) {
	if q := cfg.Question(key); q != nil {
		return q.ID, true
	}
	for i := range cfg.Questions {
		form := cfg.Questions[i].Form
		if form == nil {
			continue
		}
		for _, f := range form.Fields {
			if f.ID == key {
				return cfg.Questions[i].ID, true
			}
		}
	}
	return "", false
}

func isAddressField(cfg *schema.Config, id string) bool {
	for _, f := range cfg.AddressFields() {
		if f == id {
			return true
		}
	}
	return false
}

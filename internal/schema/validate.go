package schema

import (
	"errors"
	"fmt"
)

// ErrEmptyGraph is returned when the document declares no questions.
var ErrEmptyGraph = errors.New("schema: config declares no questions")

// Validate checks structural invariants of the document. The returned
// warnings are non-fatal (e.g. a terminal step with no next target); the
// error, if any, makes the document unusable.
func (c *Config) Validate() ([]string, error) {
	if len(c.Questions) == 0 {
		return nil, ErrEmptyGraph
	}
	c.index()

	seen := make(map[string]struct{}, len(c.Questions))
	for i := range c.Questions {
		q := &c.Questions[i]
		if q.ID == "" {
			return nil, fmt.Errorf("schema: question at index %d has no id", i)
		}
		if _, dup := seen[q.ID]; dup {
			return nil, fmt.Errorf("schema: duplicate question id %q", q.ID)
		}
		seen[q.ID] = struct{}{}
	}

	if c.Start != "" && c.Question(c.Start) == nil {
		return nil, fmt.Errorf("schema: start question %q does not exist", c.Start)
	}

	var warnings []string
	for i := range c.Questions {
		q := &c.Questions[i]

		if q.Next != "" && c.Question(q.Next) == nil {
			return nil, fmt.Errorf("schema: question %q: next target %q does not exist", q.ID, q.Next)
		}
		if q.DependsOn != nil && c.Question(q.DependsOn.QuestionID) == nil {
			return nil, fmt.Errorf("schema: question %q: depends_on references unknown question %q", q.ID, q.DependsOn.QuestionID)
		}

		switch q.Type {
		case TypeSingleSelect:
			if q.Select == nil || len(q.Select.Options) == 0 {
				return nil, fmt.Errorf("schema: single_select question %q has no options", q.ID)
			}
			for _, opt := range q.Select.Options {
				if opt.Value == "" {
					return nil, fmt.Errorf("schema: question %q has an option with no value", q.ID)
				}
				if opt.Next != "" && c.Question(opt.Next) == nil {
					return nil, fmt.Errorf("schema: question %q option %q: next target %q does not exist", q.ID, opt.Value, opt.Next)
				}
			}
			if q.Next == "" && !allOptionsRoute(q.Select.Options) {
				warnings = append(warnings, fmt.Sprintf("question %q can terminate the flow (no next target)", q.ID))
			}
		case TypeForm:
			if q.Form == nil || len(q.Form.Fields) == 0 {
				return nil, fmt.Errorf("schema: form question %q has no fields", q.ID)
			}
			for _, f := range q.Form.Fields {
				if f.ID == "" {
					return nil, fmt.Errorf("schema: form question %q has a field with no id", q.ID)
				}
			}
			if q.Next == "" {
				warnings = append(warnings, fmt.Sprintf("question %q can terminate the flow (no next target)", q.ID))
			}
		case TypeLoadingLookup:
			if c.LookupFor(q) == nil {
				return nil, fmt.Errorf("schema: lookup step %q has no lookup spec", q.ID)
			}
			if spec := c.LookupFor(q); spec.MatchOn == "" {
				return nil, fmt.Errorf("schema: lookup step %q: lookup spec has no match_on", q.ID)
			}
			if q.Next == "" {
				warnings = append(warnings, fmt.Sprintf("lookup step %q has no next target", q.ID))
			}
		case TypeContent, TypeSummary:
			if q.Next == "" {
				warnings = append(warnings, fmt.Sprintf("question %q can terminate the flow (no next target)", q.ID))
			}
		case TypeSubmit:
			// terminal by nature
		default:
			return nil, fmt.Errorf("schema: question %q has unknown type %q", q.ID, q.Type)
		}
	}

	if len(c.Pricing.BasePrice) == 0 {
		warnings = append(warnings, "pricing table has no base prices; every estimate will be zero")
	}

	return warnings, nil
}

func allOptionsRoute(opts []Option) bool {
	for _, opt := range opts {
		if opt.Next == "" {
			return false
		}
	}
	return true
}

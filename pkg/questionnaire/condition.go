package questionnaire

import (
	"fmt"
	"strings"
)

// Condition operators. Operators are case-insensitive on input and stored
// uppercase.
const (
	OpAnd       = "AND"
	OpOr        = "OR"
	OpNot       = "NOT"
	OpVisible   = "VISIBLE"
	OpCompleted = "COMPLETED"
	OpAlways    = "ALWAYS"
)

// Condition is a normalized visibility rule. Exactly the fields required by
// the operator are populated:
//
//	AND/OR    → Conditions (non-empty)
//	NOT       → Negated
//	VISIBLE   → SectionID (referenced section currently visible)
//	COMPLETED → SectionID (referenced section currently completed)
//	ALWAYS    → Value
type Condition struct {
	Operator   string
	Conditions []*Condition
	Negated    *Condition
	SectionID  string
	Value      bool
}

// And combines conditions that must all hold.
func And(conditions ...*Condition) *Condition {
	return &Condition{Operator: OpAnd, Conditions: conditions}
}

// Or combines conditions of which at least one must hold.
func Or(conditions ...*Condition) *Condition {
	return &Condition{Operator: OpOr, Conditions: conditions}
}

// Not negates a condition.
func Not(condition *Condition) *Condition {
	return &Condition{Operator: OpNot, Negated: condition}
}

// Visible holds when the referenced section is currently visible.
func Visible(sectionID string) *Condition {
	return &Condition{Operator: OpVisible, SectionID: sectionID}
}

// Completed holds when the referenced section is currently completed.
func Completed(sectionID string) *Condition {
	return &Condition{Operator: OpCompleted, SectionID: sectionID}
}

// Always is the constant condition.
func Always(value bool) *Condition {
	return &Condition{Operator: OpAlways, Value: value}
}

// ParseCondition normalizes a raw condition mapping (typically decoded from
// YAML or JSON config) into a Condition tree. Unknown operators, empty
// conjunctions, and wrong field types are rejected at parse time so that
// evaluation never has to re-validate.
func ParseCondition(raw map[string]any) (*Condition, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: condition must be a mapping", ErrInvalidType)
	}

	operator, ok := raw["operator"].(string)
	if !ok || operator == "" {
		return nil, fmt.Errorf("%w: condition operator must be a non-empty string", ErrInvalidArgument)
	}
	op := strings.ToUpper(operator)

	switch op {
	case OpAnd, OpOr:
		subs, err := conditionList(raw["conditions"])
		if err != nil {
			return nil, fmt.Errorf("%s operator: %w", op, err)
		}
		if len(subs) == 0 {
			return nil, fmt.Errorf("%w: %s operator requires at least one condition", ErrInvalidArgument, op)
		}
		parsed := make([]*Condition, 0, len(subs))
		for _, sub := range subs {
			node, err := ParseCondition(sub)
			if err != nil {
				return nil, err
			}
			parsed = append(parsed, node)
		}
		return &Condition{Operator: op, Conditions: parsed}, nil

	case OpNot:
		sub, ok := raw["condition"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: NOT operator requires a 'condition' mapping", ErrInvalidType)
		}
		node, err := ParseCondition(sub)
		if err != nil {
			return nil, err
		}
		return &Condition{Operator: op, Negated: node}, nil

	case OpVisible, OpCompleted:
		sectionID, ok := raw["section_id"].(string)
		if !ok || sectionID == "" {
			return nil, fmt.Errorf(
				"%w: %s operator requires a non-empty 'section_id'", ErrInvalidArgument, op)
		}
		return &Condition{Operator: op, SectionID: sectionID}, nil

	case OpAlways:
		value := true
		if rawValue, present := raw["value"]; present {
			boolValue, ok := rawValue.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: ALWAYS operator requires a boolean 'value'", ErrInvalidType)
			}
			value = boolValue
		}
		return &Condition{Operator: op, Value: value}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported condition operator %q", ErrInvalidArgument, operator)
	}
}

func conditionList(raw any) ([]map[string]any, error) {
	switch typed := raw.(type) {
	case []map[string]any:
		return typed, nil
	case []any:
		out := make([]map[string]any, 0, len(typed))
		for _, element := range typed {
			sub, ok := element.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: conditions must be mappings", ErrInvalidType)
			}
			out = append(out, sub)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: conditions must be a sequence of mappings", ErrInvalidType)
	}
}

// validate checks a builder-constructed condition tree, applying the same
// rules as ParseCondition.
func (c *Condition) validate() error {
	if c == nil {
		return fmt.Errorf("%w: condition must not be nil", ErrInvalidType)
	}
	op := strings.ToUpper(c.Operator)
	switch op {
	case OpAnd, OpOr:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%w: %s operator requires at least one condition", ErrInvalidArgument, op)
		}
		for _, sub := range c.Conditions {
			if err := sub.validate(); err != nil {
				return err
			}
		}
	case OpNot:
		if c.Negated == nil {
			return fmt.Errorf("%w: NOT operator requires a condition", ErrInvalidType)
		}
		if err := c.Negated.validate(); err != nil {
			return err
		}
	case OpVisible, OpCompleted:
		if c.SectionID == "" {
			return fmt.Errorf("%w: %s operator requires a non-empty 'section_id'", ErrInvalidArgument, op)
		}
	case OpAlways:
		// Value is a plain bool, nothing further to check.
	default:
		return fmt.Errorf("%w: unsupported condition operator %q", ErrInvalidArgument, c.Operator)
	}
	c.Operator = op
	return nil
}

// toMap renders the normalized tree back into its mapping form for payloads.
func (c *Condition) toMap() map[string]any {
	switch c.Operator {
	case OpAnd, OpOr:
		subs := make([]any, 0, len(c.Conditions))
		for _, sub := range c.Conditions {
			subs = append(subs, sub.toMap())
		}
		return map[string]any{"operator": c.Operator, "conditions": subs}
	case OpNot:
		return map[string]any{"operator": c.Operator, "condition": c.Negated.toMap()}
	case OpVisible, OpCompleted:
		return map[string]any{"operator": c.Operator, "section_id": c.SectionID}
	default: // ALWAYS
		return map[string]any{"operator": c.Operator, "value": c.Value}
	}
}

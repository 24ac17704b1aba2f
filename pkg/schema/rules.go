package schema

// ConditionType selects how a condition node is evaluated.
type ConditionType string

const (
	ConditionComparison ConditionType = "comparison"
	ConditionAnd        ConditionType = "and"
	ConditionOr         ConditionType = "or"
	ConditionNot        ConditionType = "not"
	// ConditionExpression delegates to a CEL, expr or jq engine.
	ConditionExpression ConditionType = "expression"
)

// Condition is a node of a declarative condition tree.
type Condition struct {
	Type ConditionType `json:"type,omitempty" yaml:"type,omitempty"`

	Field    string `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`

	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Condition  *Condition  `json:"condition,omitempty" yaml:"condition,omitempty"`

	Engine     string `json:"engine,omitempty" yaml:"engine,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Rule pairs a condition with the outcome emitted when it holds.
type Rule struct {
	ID        string         `json:"id" yaml:"id"`
	Condition *Condition     `json:"condition" yaml:"condition"`
	Outcome   map[string]any `json:"outcome" yaml:"outcome"`
}

// RuleSet is an ordered list of rules bound to a business concept.
type RuleSet struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Concept     string `json:"concept,omitempty" yaml:"concept,omitempty"`
	Rules       []Rule `json:"rules" yaml:"rules"`
	Version     int64  `json:"version,omitempty" yaml:"version,omitempty"`
}

// RuleMatch is one rule whose condition held during evaluation.
type RuleMatch struct {
	RuleID  string         `json:"ruleId"`
	Outcome map[string]any `json:"outcome"`
}

// Concept is the slice of a taxonomy concept the engine needs for
// state-transition guards.
type Concept struct {
	ID      string         `json:"id" yaml:"id"`
	Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
	States  []ConceptState `json:"states,omitempty" yaml:"states,omitempty"`
	Version int64          `json:"version,omitempty" yaml:"version,omitempty"`
}

// State returns the declared state with the given ID.
func (c *Concept) State(id string) (*ConceptState, bool) {
	for i := range c.States {
		if c.States[i].ID == id {
			return &c.States[i], true
		}
	}
	return nil, false
}

// ConceptState is one declared lifecycle state of a concept.
type ConceptState struct {
	ID                 string   `json:"id" yaml:"id"`
	Name               string   `json:"name,omitempty" yaml:"name,omitempty"`
	AllowedTransitions []string `json:"allowedTransitions,omitempty" yaml:"allowedTransitions,omitempty"`
	EnterRuleSet       string   `json:"enterRuleSet,omitempty" yaml:"enterRuleSet,omitempty"`
	ExitRuleSet        string   `json:"exitRuleSet,omitempty" yaml:"exitRuleSet,omitempty"`
}

// Allows reports whether target is a declared transition out of this state.
func (s *ConceptState) Allows(target string) bool {
	for _, t := range s.AllowedTransitions {
		if t == target {
			return true
		}
	}
	return false
}

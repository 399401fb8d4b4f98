// Package workflow holds the authoritative stage table of a document type:
// which role may write in each stage, which fields and signatures a stage
// requires, and where each action leads.
package workflow

import (
	"fmt"

	"github.com/dyluth/folio/pkg/folio"
)

// DefaultCategory is the artifact category used for ordinary terminal renders.
const DefaultCategory = "Generated"

// Definition is the static workflow of one document type.
type Definition struct {
	Name            string       `yaml:"name"`
	Initial         folio.State  `yaml:"initial"`
	Terminal        folio.State  `yaml:"terminal"`
	Rounds          int          `yaml:"rounds,omitempty"` // Default number of evaluation rounds
	States          []StateSpec  `yaml:"states"`
	Reopens         []ReopenRule `yaml:"reopens,omitempty"`
	DefaultCategory string       `yaml:"default_category,omitempty"`
}

// StateSpec declares one stage.
type StateSpec struct {
	Name        folio.State                  `yaml:"name"`
	Role        folio.Role                   `yaml:"role,omitempty"` // Empty only on the terminal state
	Fields      []string                     `yaml:"fields,omitempty"`
	Required    []string                     `yaml:"required,omitempty"`
	Signatures  []string                     `yaml:"signatures,omitempty"`
	Transitions map[folio.Action]folio.State `yaml:"transitions,omitempty"`
	Round       *RoundSpec                   `yaml:"round,omitempty"`
	Render      bool                         `yaml:"render,omitempty"` // Publish an artifact when this state is reached
}

// RoundSpec marks the last state of a repeatable round. Submitting it starts
// the next round at Repeat, or leaves the round chain to Exit once every
// configured round is complete.
type RoundSpec struct {
	Repeat folio.State `yaml:"repeat"`
	Exit   folio.State `yaml:"exit"`
}

// ReopenRule is a privileged transition out of the terminal state back into
// an editable stage. Captured values are kept.
type ReopenRule struct {
	Action   folio.Action `yaml:"action"`
	From     folio.State  `yaml:"from"`
	To       folio.State  `yaml:"to"`
	Role     folio.Role   `yaml:"role"`
	Category string       `yaml:"category"` // Artifact category of the render that follows
}

// Validate performs strict validation on the definition and applies defaults.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name cannot be empty")
	}
	if len(d.States) == 0 {
		return fmt.Errorf("workflow %s: no states defined", d.Name)
	}

	seen := make(map[folio.State]bool, len(d.States))
	for _, s := range d.States {
		if s.Name == "" {
			return fmt.Errorf("workflow %s: state name cannot be empty", d.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow %s: duplicate state %q", d.Name, s.Name)
		}
		seen[s.Name] = true
	}
	if !seen[d.Initial] {
		return fmt.Errorf("workflow %s: initial state %q is not declared", d.Name, d.Initial)
	}
	if !seen[d.Terminal] {
		return fmt.Errorf("workflow %s: terminal state %q is not declared", d.Name, d.Terminal)
	}
	if d.Initial == d.Terminal {
		return fmt.Errorf("workflow %s: initial and terminal state must differ", d.Name)
	}

	hasRounds := false
	for _, s := range d.States {
		if err := d.validateState(s, seen); err != nil {
			return fmt.Errorf("workflow %s: state %s: %w", d.Name, s.Name, err)
		}
		if s.Round != nil {
			hasRounds = true
		}
	}

	if d.Rounds < 0 {
		return fmt.Errorf("workflow %s: rounds cannot be negative", d.Name)
	}
	if hasRounds && d.Rounds == 0 {
		d.Rounds = 1
	}

	for i, r := range d.Reopens {
		if err := d.validateReopen(r, seen); err != nil {
			return fmt.Errorf("workflow %s: reopen %d (%s): %w", d.Name, i, r.Action, err)
		}
	}

	if d.DefaultCategory == "" {
		d.DefaultCategory = DefaultCategory
	}
	return nil
}

func (d *Definition) validateState(s StateSpec, seen map[folio.State]bool) error {
	if s.Name == d.Terminal {
		if s.Role != "" {
			return fmt.Errorf("terminal state cannot declare a role")
		}
		if len(s.Transitions) > 0 || s.Round != nil {
			return fmt.Errorf("terminal state cannot have transitions")
		}
		if len(s.Fields) > 0 || len(s.Signatures) > 0 {
			return fmt.Errorf("terminal state cannot own fields or signatures")
		}
		return nil
	}

	if s.Role != folio.RoleSubject && s.Role != folio.RoleCounterparty {
		return fmt.Errorf("role must be %q or %q, got %q", folio.RoleSubject, folio.RoleCounterparty, s.Role)
	}

	stageFields := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		stageFields[f] = true
	}
	for _, f := range s.Required {
		if !stageFields[f] {
			return fmt.Errorf("required field %q is not one of the stage fields", f)
		}
	}

	for action, target := range s.Transitions {
		if action == folio.ActionSave {
			return fmt.Errorf("save is bound implicitly and cannot be declared")
		}
		if !seen[target] {
			return fmt.Errorf("transition %q targets unknown state %q", action, target)
		}
	}

	if s.Round != nil {
		if _, ok := s.Transitions[folio.ActionSubmit]; ok {
			return fmt.Errorf("round end cannot also declare a submit transition")
		}
		if !seen[s.Round.Repeat] || !seen[s.Round.Exit] {
			return fmt.Errorf("round references unknown state (repeat %q, exit %q)", s.Round.Repeat, s.Round.Exit)
		}
		if _, ok := d.chain(s); !ok {
			return fmt.Errorf("submit transitions from %q never return to %q", s.Round.Repeat, s.Name)
		}
	} else if len(s.Transitions) == 0 {
		return fmt.Errorf("non-terminal state has no transitions")
	}
	return nil
}

func (d *Definition) validateReopen(r ReopenRule, seen map[folio.State]bool) error {
	if r.Action == "" || r.Action == folio.ActionSave || r.Action == folio.ActionSubmit {
		return fmt.Errorf("reopen needs a dedicated action name")
	}
	if r.From != d.Terminal {
		return fmt.Errorf("reopen must start at the terminal state %q", d.Terminal)
	}
	if !seen[r.To] || r.To == d.Terminal {
		return fmt.Errorf("reopen target %q must be a declared editable state", r.To)
	}
	if !r.Role.IsPrivileged() {
		return fmt.Errorf("reopen role must be privileged, got %q", r.Role)
	}
	if r.Category == "" {
		return fmt.Errorf("reopen category cannot be empty")
	}
	return nil
}

// State returns the spec of the named state.
func (d *Definition) State(name folio.State) (*StateSpec, bool) {
	for i := range d.States {
		if d.States[i].Name == name {
			return &d.States[i], true
		}
	}
	return nil, false
}

// chain returns the states of the round ending at end, walking submit
// transitions from its repeat state.
func (d *Definition) chain(end StateSpec) ([]folio.State, bool) {
	var states []folio.State
	cur := end.Round.Repeat
	for i := 0; i <= len(d.States); i++ {
		states = append(states, cur)
		if cur == end.Name {
			return states, true
		}
		spec, ok := d.State(cur)
		if !ok {
			return nil, false
		}
		next, ok := spec.Transitions[folio.ActionSubmit]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// InRound reports whether a state belongs to a repeatable round chain. Fields
// and signature slots of such states are stored per round.
func (d *Definition) InRound(name folio.State) bool {
	for _, s := range d.States {
		if s.Round == nil {
			continue
		}
		states, ok := d.chain(s)
		if !ok {
			continue
		}
		for _, member := range states {
			if member == name {
				return true
			}
		}
	}
	return false
}

// RoundsFor returns the round count of a document: its own setting when
// present, otherwise the definition default.
func (d *Definition) RoundsFor(doc *folio.Document) int {
	if doc != nil && doc.Rounds > 0 {
		return doc.Rounds
	}
	return d.Rounds
}

// Position returns where a document currently stands in this workflow.
func (d *Definition) Position(doc *folio.Document) Position {
	return Position{State: doc.State, Round: doc.Round, Rounds: d.RoundsFor(doc)}
}

// RenderEligible reports whether reaching the state publishes an artifact.
func (d *Definition) RenderEligible(name folio.State) bool {
	if name == d.Terminal {
		return true
	}
	spec, ok := d.State(name)
	return ok && spec.Render
}

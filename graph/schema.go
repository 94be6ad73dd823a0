package graph

import (
	"fmt"
	"sort"

	"github.com/songzhibin97/workflow-collab/rules"
	"github.com/songzhibin97/workflow-collab/types"
)

// Kind is the JSON kind a data field must have.
type Kind string

// Field kinds.
const (
	KindAny    Kind = "any"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindArray  Kind = "array"
)

// Descriptor constrains the data map of one node type.
type Descriptor struct {
	Required map[string]Kind
	Optional map[string]Kind
	// Rules are expr-lang boolean expressions evaluated with
	// {"data": <node data>, "type": <node type>}.
	Rules []string
}

// Validator checks node data at the mutation boundary.
type Validator interface {
	Validate(t types.NodeType, data map[string]interface{}) error
}

// Schema is a Validator keyed by node type. Types without a descriptor
// accept any data.
type Schema struct {
	descriptors map[types.NodeType]Descriptor
	evaluator   rules.Evaluator
}

// NewSchema creates a schema that evaluates rules with evaluator.
func NewSchema(evaluator rules.Evaluator) *Schema {
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	return &Schema{
		descriptors: make(map[types.NodeType]Descriptor),
		evaluator:   evaluator,
	}
}

var builtinDescriptors = map[types.NodeType]Descriptor{
	types.NodeCondition: {
		Required: map[string]Kind{"expression": KindString},
		Rules:    []string{`len(data.expression) > 0`},
	},
	types.NodeTeam: {
		Required: map[string]Kind{"teamKey": KindString},
		Optional: map[string]Kind{"capabilities": KindArray, "priority": KindString},
	},
	types.NodeAI: {
		Required: map[string]Kind{"prompt": KindString},
		Optional: map[string]Kind{"model": KindString, "temperature": KindNumber},
		Rules:    []string{`!("temperature" in data) || (data.temperature >= 0 && data.temperature <= 2)`},
	},
	types.NodeTrigger: {
		Optional: map[string]Kind{"schedule": KindString, "event": KindString},
	},
}

// DefaultSchema returns the built-in descriptors.
func DefaultSchema() *Schema {
	s := NewSchema(nil)
	for t, d := range builtinDescriptors {
		if err := s.Register(t, d); err != nil {
			panic(err)
		}
	}
	return s
}

// Register sets the descriptor for t, replacing any previous one. Every
// rule must compile.
func (s *Schema) Register(t types.NodeType, d Descriptor) error {
	for _, rule := range d.Rules {
		if err := s.evaluator.Compile(rule); err != nil {
			return fmt.Errorf("%s rule %q: %w", t, rule, err)
		}
	}
	s.descriptors[t] = d
	return nil
}

// Validate implements Validator.
func (s *Schema) Validate(t types.NodeType, data map[string]interface{}) error {
	d, ok := s.descriptors[t]
	if !ok {
		return nil
	}

	for _, name := range sortedKeys(d.Required) {
		v, present := data[name]
		if !present {
			return fmt.Errorf("%w: %s node requires %q", ErrInvalidNodeData, t, name)
		}
		if !d.Required[name].matches(v) {
			return fmt.Errorf("%w: %s.%s must be %s", ErrInvalidNodeData, t, name, d.Required[name])
		}
	}
	for _, name := range sortedKeys(d.Optional) {
		if v, present := data[name]; present && !d.Optional[name].matches(v) {
			return fmt.Errorf("%w: %s.%s must be %s", ErrInvalidNodeData, t, name, d.Optional[name])
		}
	}

	env := map[string]interface{}{"data": data, "type": string(t)}
	for _, rule := range d.Rules {
		if err := s.evaluator.Check(rule, env); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidNodeData, t, err)
		}
	}
	return nil
}

func (k Kind) matches(v interface{}) bool {
	switch k {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindObject:
		_, ok := v.(map[string]interface{})
		return ok
	case KindArray:
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}

func sortedKeys(m map[string]Kind) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

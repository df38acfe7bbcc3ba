package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEmptyPolicy is returned when a policy is built without parameters.
var ErrEmptyPolicy = errors.New("policy must contain at least one parameter")

// ErrDuplicateParam is returned when a parameter name appears twice.
var ErrDuplicateParam = errors.New("duplicate policy parameter")

// UnknownParamError reports a name that is not part of the policy's key set.
type UnknownParamError struct {
	Name string
}

func (e *UnknownParamError) Error() string {
	return "unknown policy parameter: " + e.Name
}

// KeyMismatchError reports the difference between a policy's key set and an expected one.
type KeyMismatchError struct {
	Missing    []string
	Unexpected []string
}

func (e *KeyMismatchError) Error() string {
	parts := make([]string, 0, 2)
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected "+strings.Join(e.Unexpected, ", "))
	}
	return "policy keys do not match: " + strings.Join(parts, "; ")
}

// Param is one named policy value.
type Param struct {
	Name  string  `json:"name" yaml:"name"`
	Value float64 `json:"value" yaml:"value"`
}

// Policy is an ordered mapping from parameter name to value.
// The key set is fixed at construction; insertion order is the iteration order.
// Copies of a Policy share storage, use Clone before handing one out.
type Policy struct {
	names  []string
	values map[string]float64
}

// New builds a policy from ordered parameters.
func New(params ...Param) (Policy, error) {
	if len(params) == 0 {
		return Policy{}, ErrEmptyPolicy
	}
	p := Policy{
		names:  make([]string, 0, len(params)),
		values: make(map[string]float64, len(params)),
	}
	for _, param := range params {
		if param.Name == "" {
			return Policy{}, fmt.Errorf("policy parameter name cannot be empty")
		}
		if _, dup := p.values[param.Name]; dup {
			return Policy{}, fmt.Errorf("%w: %s", ErrDuplicateParam, param.Name)
		}
		p.names = append(p.names, param.Name)
		p.values[param.Name] = param.Value
	}
	return p, nil
}

// MustNew is New for static policies in tests and examples.
func MustNew(params ...Param) Policy {
	p, err := New(params...)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of parameters.
func (p Policy) Len() int {
	return len(p.names)
}

// IsZero reports whether the policy was never constructed.
func (p Policy) IsZero() bool {
	return len(p.names) == 0
}

// Names returns the parameter names in iteration order.
func (p Policy) Names() []string {
	return append([]string(nil), p.names...)
}

// Has reports whether name is a key of the policy.
func (p Policy) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// Get returns the value for name.
func (p Policy) Get(name string) (float64, bool) {
	v, ok := p.values[name]
	return v, ok
}

// Set changes the value of an existing key.
func (p *Policy) Set(name string, value float64) error {
	if _, ok := p.values[name]; !ok {
		return &UnknownParamError{Name: name}
	}
	p.values[name] = value
	return nil
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	c := Policy{
		names:  append([]string(nil), p.names...),
		values: make(map[string]float64, len(p.values)),
	}
	for k, v := range p.values {
		c.values[k] = v
	}
	return c
}

// With returns a copy of p with name set to value.
func (p Policy) With(name string, value float64) (Policy, error) {
	c := p.Clone()
	if err := c.Set(name, value); err != nil {
		return Policy{}, err
	}
	return c, nil
}

// Values returns a copy of the name -> value map, the form handed to loss functions.
func (p Policy) Values() map[string]float64 {
	out := make(map[string]float64, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Params returns the policy as ordered pairs.
func (p Policy) Params() []Param {
	out := make([]Param, len(p.names))
	for i, name := range p.names {
		out[i] = Param{Name: name, Value: p.values[name]}
	}
	return out
}

// Equal reports whether both policies have the same keys in the same order and identical values.
func (p Policy) Equal(other Policy) bool {
	if len(p.names) != len(other.names) {
		return false
	}
	for i, name := range p.names {
		if other.names[i] != name || p.values[name] != other.values[name] {
			return false
		}
	}
	return true
}

// MatchKeys checks that the policy's key set equals expected, ignoring order.
func (p Policy) MatchKeys(expected []string) error {
	want := make(map[string]bool, len(expected))
	for _, name := range expected {
		want[name] = true
	}
	var missing, unexpected []string
	for name := range want {
		if !p.Has(name) {
			missing = append(missing, name)
		}
	}
	for _, name := range p.names {
		if !want[name] {
			unexpected = append(unexpected, name)
		}
	}
	if len(missing) == 0 && len(unexpected) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &KeyMismatchError{Missing: missing, Unexpected: unexpected}
}

// Reorder returns a copy whose iteration order follows names.
func (p Policy) Reorder(names []string) (Policy, error) {
	if err := p.MatchKeys(names); err != nil {
		return Policy{}, err
	}
	params := make([]Param, len(names))
	for i, name := range names {
		params[i] = Param{Name: name, Value: p.values[name]}
	}
	return New(params...)
}

// IsIntegral reports whether every named value is a whole number.
func (p Policy) IsIntegral(names []string) bool {
	for _, name := range names {
		v, ok := p.values[name]
		if !ok || v != math.Trunc(v) {
			return false
		}
	}
	return true
}

func (p Policy) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range p.names {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %g", name, p.values[name])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON writes the policy as an object with keys in iteration order.
// A zero Policy is written as null.
func (p Policy) MarshalJSON() ([]byte, error) {
	if p.IsZero() {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range p.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p.values[name])
		if err != nil {
			return nil, fmt.Errorf("policy parameter %s: %w", name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, keeping the document's key order.
func (p *Policy) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read policy: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("policy must be a JSON object")
	}

	var params []Param
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read policy key: %w", err)
		}
		name, _ := tok.(string)
		var value float64
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("policy parameter %s: %w", name, err)
		}
		params = append(params, Param{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to read policy: %w", err)
	}

	parsed, err := New(params...)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// UnmarshalYAML reads a mapping node, keeping the document's key order.
func (p *Policy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: policy must be a mapping of name: value", node.Line)
	}
	params := make([]Param, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var value float64
		if err := node.Content[i+1].Decode(&value); err != nil {
			return fmt.Errorf("line %d: policy parameter %s: %w", node.Content[i].Line, node.Content[i].Value, err)
		}
		params = append(params, Param{Name: node.Content[i].Value, Value: value})
	}
	parsed, err := New(params...)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML writes the policy as a mapping with keys in iteration order.
func (p Policy) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range p.names {
		var value yaml.Node
		if err := value.Encode(p.values[name]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, &value)
	}
	return node, nil
}

// Package segment models targeting definitions and their cross-market
// transformation. A definition pairs a nested rule tree with an equivalent
// serialized query text; Transform rewrites both together so they stay
// consistent.
package segment

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Constraint is a single leaf condition within a rule.
type Constraint struct {
	Key    string  `json:"key"`
	Op     string  `json:"op,omitempty"`
	Values []Value `json:"values"`
}

// Value is a scalar constraint value that preserves its wire typing:
// a numeric value stays numeric, a quoted value stays a string.
type Value struct {
	Raw      string
	IsString bool
}

// NumValue builds a numeric value.
func NumValue(n int64) Value {
	return Value{Raw: strconv.FormatInt(n, 10)}
}

// StrValue builds a string value.
func StrValue(s string) Value {
	return Value{Raw: s, IsString: true}
}

// Int returns the value as an integer when it is purely numeric.
func (v Value) Int() (int64, bool) {
	n, err := strconv.ParseInt(v.Raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// MarshalJSON keeps the original scalar type on the wire.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsString {
		return json.Marshal(v.Raw)
	}
	if _, ok := v.Int(); ok {
		return []byte(v.Raw), nil
	}
	return json.Marshal(v.Raw)
}

// UnmarshalJSON accepts numbers, strings, and booleans.
func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Value{Raw: s, IsString: true}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*v = Value{Raw: n.String()}
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = Value{Raw: strconv.FormatBool(b)}
		return nil
	}
	return fmt.Errorf("constraint value %s is not a scalar", string(data))
}

// RuleNode is one node of a definition's rule tree. A node is either a group
// (Operator plus Children) or a leaf (Constraints); never both.
type RuleNode struct {
	Operator    string       `json:"operator,omitempty"`
	Children    []*RuleNode  `json:"rules,omitempty"`
	Constraints []Constraint `json:"constraints,omitempty"`
}

// IsGroup reports whether the node nests further rules.
func (n *RuleNode) IsGroup() bool {
	return len(n.Children) > 0
}

// Validate checks the group-xor-leaf invariant over the whole tree.
func (n *RuleNode) Validate() error {
	if n == nil {
		return nil
	}
	stack := []*RuleNode{n}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(node.Children) > 0 && len(node.Constraints) > 0 {
			return fmt.Errorf("rule node with operator %q has both children and constraints", node.Operator)
		}
		if len(node.Children) == 0 && len(node.Constraints) == 0 {
			return fmt.Errorf("rule node with operator %q has neither children nor constraints", node.Operator)
		}
		stack = append(stack, node.Children...)
	}
	return nil
}

// Clone returns a deep copy of the subtree.
func (n *RuleNode) Clone() *RuleNode {
	if n == nil {
		return nil
	}
	out := &RuleNode{Operator: n.Operator}
	if len(n.Constraints) > 0 {
		out.Constraints = make([]Constraint, len(n.Constraints))
		for i, c := range n.Constraints {
			cc := c
			cc.Values = append([]Value(nil), c.Values...)
			out.Constraints[i] = cc
		}
	}
	for _, ch := range n.Children {
		out.Children = append(out.Children, ch.Clone())
	}
	return out
}

// walk visits every node of the subtree with an explicit stack, so deeply
// nested trees do not depend on native recursion depth.
func (n *RuleNode) walk(visit func(*RuleNode)) {
	if n == nil {
		return
	}
	stack := []*RuleNode{n}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(node)
		stack = append(stack, node.Children...)
	}
}

// Owner identifies the owning team of a definition.
type Owner struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// AdvancedOptions carries the source definition's advanced toggles through a
// clone unchanged.
type AdvancedOptions struct {
	KindleAsins       bool `json:"kindleAsins"`
	IncludeVariables  bool `json:"includeVariables"`
	AllowLargeSegment bool `json:"allowLargeSegment"`
	AuditEvents       bool `json:"auditEvents"`
	ConsumerQuery     bool `json:"consumerQuery"`
}

// Definition is a versioned targeting definition: a rule tree plus the
// equivalent serialized query text.
type Definition struct {
	ID        int64     `json:"id"`
	Version   int       `json:"version"`
	MarketID  int       `json:"marketId"`
	Name      string    `json:"name"`
	Owner     *Owner    `json:"owner,omitempty"`
	OwnerEmail string   `json:"ownerEmail,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	Rules     *RuleNode `json:"rules,omitempty"`
	Query     string    `json:"query"`

	Realtime     bool            `json:"realtime"`
	Asap         bool            `json:"asap"`
	Website      bool            `json:"website"`
	Email        bool            `json:"email"`
	Secured      bool            `json:"secured"`
	Confidential bool            `json:"confidential"`
	Advanced     AdvancedOptions `json:"advancedOptions"`

	NotFound bool `json:"notFound,omitempty"`
}

// Clone returns a deep copy of the definition.
func (d *Definition) Clone() *Definition {
	out := *d
	if d.Owner != nil {
		o := *d.Owner
		out.Owner = &o
	}
	out.Rules = d.Rules.Clone()
	return &out
}

// Package fixture loads listeners and their conditions, ACLs and rules from
// a YAML file and creates them through any Target (the service directly or
// the gRPC client).
//
//	listeners:
//	  - id: L1
//	    tenant_id: t1
//	    protocol: HTTP
//	    protocol_port: 80
//	    conditions:
//	      - name: login
//	        expression: /login
//	    acls:
//	      - name: a
//	        condition_ref: login
//	        action: url_end
//	        operator: redirect location
//	        match: https://example.com
//	        match_condition: m_a
//	    rules:
//	      - name: admin
//	        rule: deny if path_beg /admin
package fixture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/solatis/l7plane/internal/types"
)

// File is a parsed fixture.
type File struct {
	Listeners []Listener `yaml:"listeners"`
}

// Listener is a listener together with the entities it owns.
type Listener struct {
	types.Listener
	Conditions []Condition
	ACLs       []ACL
	Rules      []Rule
}

// Condition wraps types.Condition so admin_state_up defaults to true.
type Condition struct{ types.Condition }

// ACL wraps types.ACL so admin_state_up defaults to true.
type ACL struct{ types.ACL }

// Rule wraps types.Rule so admin_state_up defaults to true.
type Rule struct{ types.Rule }

var (
	metaKeys     = []string{"tenant_id", "name", "description", "admin_state_up", "priority"}
	listenerKeys = []string{"id", "tenant_id", "name", "protocol", "protocol_port", "admin_state_up", "conditions", "acls", "rules"}
)

// LoadFromFile reads and parses a fixture file.
func LoadFromFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture file: %w", err)
	}
	return Parse(data)
}

// Parse parses fixture YAML. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing fixture YAML: %w", err)
	}
	if err := validate(&f); err != nil {
		return nil, fmt.Errorf("validating fixture: %w", err)
	}
	return &f, nil
}

func validate(f *File) error {
	seen := make(map[types.ListenerID]bool)
	for i, l := range f.Listeners {
		if l.ID == "" {
			return fmt.Errorf("listener %d: id is required", i)
		}
		if seen[l.ID] {
			return fmt.Errorf("listener %q: duplicate id", l.ID)
		}
		seen[l.ID] = true
	}
	return nil
}

// UnmarshalYAML decodes a listener and its entity lists.
func (l *Listener) UnmarshalYAML(n *yaml.Node) error {
	hasAdmin, err := checkKeys(n, listenerKeys)
	if err != nil {
		return err
	}
	if err := n.Decode(&l.Listener); err != nil {
		return err
	}
	if !hasAdmin {
		l.AdminStateUp = true
	}
	var children struct {
		Conditions []Condition `yaml:"conditions"`
		ACLs       []ACL       `yaml:"acls"`
		Rules      []Rule      `yaml:"rules"`
	}
	if err := n.Decode(&children); err != nil {
		return err
	}
	l.Conditions, l.ACLs, l.Rules = children.Conditions, children.ACLs, children.Rules
	return nil
}

func (c *Condition) UnmarshalYAML(n *yaml.Node) error {
	return decodeEntity(n, &c.Condition, "expression")
}

func (a *ACL) UnmarshalYAML(n *yaml.Node) error {
	return decodeEntity(n, &a.ACL, "action", "condition_ref", "acl_type", "operator", "match", "match_condition")
}

func (r *Rule) UnmarshalYAML(n *yaml.Node) error {
	return decodeEntity(n, &r.Rule, "rule")
}

func decodeEntity(n *yaml.Node, e types.Entity, kindKeys ...string) error {
	hasAdmin, err := checkKeys(n, append(append([]string(nil), metaKeys...), kindKeys...))
	if err != nil {
		return err
	}
	if err := n.Decode(e); err != nil {
		return err
	}
	if !hasAdmin {
		e.Base().AdminStateUp = true
	}
	return nil
}

// checkKeys rejects mapping keys outside allowed and reports whether
// admin_state_up was given.
func checkKeys(n *yaml.Node, allowed []string) (bool, error) {
	if n.Kind != yaml.MappingNode {
		return false, fmt.Errorf("line %d: expected a mapping", n.Line)
	}
	ok := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		ok[k] = true
	}
	hasAdmin := false
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i]
		if !ok[key.Value] {
			return false, fmt.Errorf("line %d: field %s not allowed", key.Line, key.Value)
		}
		if key.Value == "admin_state_up" {
			hasAdmin = true
		}
	}
	return hasAdmin, nil
}

// Entities returns the listener's entities with ListenerID filled in:
// conditions first so ACLs can reference them, then ACLs, then rules.
func (l *Listener) Entities() []types.Entity {
	out := make([]types.Entity, 0, len(l.Conditions)+len(l.ACLs)+len(l.Rules))
	for i := range l.Conditions {
		c := l.Conditions[i].Condition
		c.ListenerID = l.ID
		out = append(out, &c)
	}
	for i := range l.ACLs {
		a := l.ACLs[i].ACL
		a.ListenerID = l.ID
		out = append(out, &a)
	}
	for i := range l.Rules {
		r := l.Rules[i].Rule
		r.ListenerID = l.ID
		out = append(out, &r)
	}
	return out
}

// Target creates listeners and entities.
type Target interface {
	CreateListener(ctx context.Context, l *types.Listener) error
	CreateEntity(ctx context.Context, e types.Entity) error
}

// Summary counts what Apply created.
type Summary struct {
	Listeners        int
	ExistingListener int
	Entities         int
}

// Apply creates every listener, skipping ones that already exist, then
// every entity. It stops at the first entity error.
func (f *File) Apply(ctx context.Context, t Target) (Summary, error) {
	var sum Summary
	for i := range f.Listeners {
		l := &f.Listeners[i]
		err := t.CreateListener(ctx, &l.Listener)
		switch {
		case errors.Is(err, types.ErrListenerExists):
			sum.ExistingListener++
		case err != nil:
			return sum, fmt.Errorf("listener %s: %w", l.ID, err)
		default:
			sum.Listeners++
		}
		for _, e := range l.Entities() {
			if err := t.CreateEntity(ctx, e); err != nil {
				return sum, fmt.Errorf("listener %s: %s %q: %w", l.ID, e.Kind(), e.Base().Name, err)
			}
			sum.Entities++
		}
	}
	return sum, nil
}

// internal/types/rules.go
package types

/*
 * Listener-owned L7 entities.
 *
 * Condition, ACL and Rule share Meta (identity, ownership, lifecycle).
 * Column names follow the persisted layout: the condition expression is
 * stored in lbaas_conditions.condition, the ACL condition reference in
 * lbaas_acls.condition and the rule expression in lbaas_rules.rule.
 *
 * Priority, Seq, Revision and StatusReason are supplementary columns added
 * after the original tables; Seq is a per-listener insertion sequence and
 * Revision increments on every mutation.
 */

// Meta is the identity and lifecycle part shared by every entity.
type Meta struct {
	ID                 EntityID           `db:"id" json:"id" yaml:"id,omitempty"`
	TenantID           string             `db:"tenant_id" json:"tenant_id" yaml:"tenant_id,omitempty"`
	ListenerID         ListenerID         `db:"listener_id" json:"listener_id" yaml:"listener_id"`
	Name               string             `db:"name" json:"name" yaml:"name"`
	Description        string             `db:"description" json:"description" yaml:"description,omitempty"`
	AdminStateUp       bool               `db:"admin_state_up" json:"admin_state_up" yaml:"admin_state_up"`
	ProvisioningStatus ProvisioningStatus `db:"provisioning_status" json:"provisioning_status" yaml:"-"`
	OperatingStatus    OperatingStatus    `db:"operating_status" json:"operating_status" yaml:"-"`
	Priority           *int64             `db:"priority" json:"priority,omitempty" yaml:"priority,omitempty"`
	Seq                int64              `db:"seq" json:"seq" yaml:"-"`
	Revision           int64              `db:"revision" json:"revision" yaml:"-"`
	StatusReason       string             `db:"status_reason" json:"status_reason,omitempty" yaml:"-"`
}

// Ref returns the entity reference at the current revision.
func (m *Meta) Ref(kind Kind) EntityRef {
	return EntityRef{Kind: kind, ID: m.ID, Revision: m.Revision}
}

// Entity is implemented by *Condition, *ACL and *Rule.
type Entity interface {
	Kind() Kind
	Base() *Meta
}

// Condition is a reusable match predicate owned by one listener.
type Condition struct {
	Meta       `yaml:",inline"`
	Expression string `db:"condition" json:"expression" yaml:"expression"`
}

func (c *Condition) Kind() Kind  { return KindCondition }
func (c *Condition) Base() *Meta { return &c.Meta }

// ACL is an access-control or redirect entry matched against traffic.
// Action is the match criterion (e.g. url_end), Operator the proxy verb
// (e.g. "redirect location") and Match its target. MatchCondition is the
// label the proxy uses for the compiled ACL line.
type ACL struct {
	Meta           `yaml:",inline"`
	Action         string `db:"action" json:"action" yaml:"action"`
	ConditionRef   string `db:"condition" json:"condition_ref" yaml:"condition_ref,omitempty"`
	ACLType        string `db:"acl_type" json:"acl_type" yaml:"acl_type,omitempty"`
	Operator       string `db:"operator" json:"operator" yaml:"operator"`
	Match          string `db:"match" json:"match" yaml:"match"`
	MatchCondition string `db:"match_condition" json:"match_condition" yaml:"match_condition"`
}

func (a *ACL) Kind() Kind  { return KindACL }
func (a *ACL) Base() *Meta { return &a.Meta }

// Rule is a structured "<verb> [target] if <predicate>" expression.
type Rule struct {
	Meta       `yaml:",inline"`
	Expression string `db:"rule" json:"rule" yaml:"rule"`
}

func (r *Rule) Kind() Kind  { return KindRule }
func (r *Rule) Base() *Meta { return &r.Meta }

// Listener is the external frontend that owns entities. Only the fields
// needed for ownership and tenancy checks are modelled.
type Listener struct {
	ID           ListenerID `db:"id" json:"id" yaml:"id"`
	TenantID     string     `db:"tenant_id" json:"tenant_id" yaml:"tenant_id"`
	Name         string     `db:"name" json:"name" yaml:"name"`
	Protocol     string     `db:"protocol" json:"protocol" yaml:"protocol"`
	ProtocolPort int        `db:"protocol_port" json:"protocol_port" yaml:"protocol_port"`
	AdminStateUp bool       `db:"admin_state_up" json:"admin_state_up" yaml:"admin_state_up"`
}

// EntitySet is everything one listener owns, as read by get_entities.
type EntitySet struct {
	ListenerID ListenerID
	Conditions []Condition
	ACLs       []ACL
	Rules      []Rule
}

// Len returns the number of entities in the set.
func (s *EntitySet) Len() int {
	return len(s.Conditions) + len(s.ACLs) + len(s.Rules)
}

// Each calls fn for every entity in the set (conditions, ACLs, rules).
func (s *EntitySet) Each(fn func(Entity)) {
	for i := range s.Conditions {
		fn(&s.Conditions[i])
	}
	for i := range s.ACLs {
		fn(&s.ACLs[i])
	}
	for i := range s.Rules {
		fn(&s.Rules[i])
	}
}

// Find returns the entity with the given id, or nil.
func (s *EntitySet) Find(id EntityID) Entity {
	var found Entity
	s.Each(func(e Entity) {
		if found == nil && e.Base().ID == id {
			found = e
		}
	})
	return found
}

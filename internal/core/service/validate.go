package service

import (
	"regexp"
	"unicode/utf8"

	"github.com/solatis/l7plane/internal/rules"
	"github.com/solatis/l7plane/internal/types"
)

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9\-]{1,36}$`)
)

// Listener protocols accepted by CreateListener.
var protocols = map[string]bool{
	"HTTP":             true,
	"HTTPS":            true,
	"TCP":              true,
	"TERMINATED_HTTPS": true,
}

func required(field, value string) error {
	if value == "" {
		return types.NewValidationError(types.ReasonMissingField, field, "%s is required", field)
	}
	return nil
}

func maxLen(field, value string, n int) error {
	if utf8.RuneCountInString(value) > n {
		return types.NewValidationError(types.ReasonTooLong, field, "%s exceeds %d characters", field, n)
	}
	return nil
}

func validName(field, value string) error {
	if err := required(field, value); err != nil {
		return err
	}
	if err := maxLen(field, value, types.MaxNameLength); err != nil {
		return err
	}
	if !namePattern.MatchString(value) {
		return types.NewValidationError(types.ReasonInvalidField, field, "%s %q contains invalid characters", field, value)
	}
	return nil
}

func validID(field, value string) error {
	if !idPattern.MatchString(value) {
		return types.NewValidationError(types.ReasonInvalidField, field, "%s %q must be 1-%d alphanumeric or '-' characters", field, value, types.MaxIDLength)
	}
	return nil
}

// validateListener checks a listener registration. ID and TenantID must
// already be defaulted.
func validateListener(l *types.Listener) error {
	if err := validID("id", string(l.ID)); err != nil {
		return err
	}
	if err := validID("tenant_id", l.TenantID); err != nil {
		return err
	}
	if err := maxLen("name", l.Name, types.MaxNameLength); err != nil {
		return err
	}
	if !protocols[l.Protocol] {
		return types.NewValidationError(types.ReasonInvalidField, "protocol", "unsupported protocol %q", l.Protocol)
	}
	if l.ProtocolPort < 1 || l.ProtocolPort > 65535 {
		return types.NewValidationError(types.ReasonInvalidField, "protocol_port", "protocol_port must be between 1 and 65535, got %d", l.ProtocolPort)
	}
	return nil
}

// validateEntity checks the fields of e that do not depend on stored state.
func validateEntity(e types.Entity) error {
	m := e.Base()
	if err := required("listener_id", string(m.ListenerID)); err != nil {
		return err
	}
	if err := validID("id", string(m.ID)); err != nil {
		return err
	}
	if m.TenantID != "" {
		if err := validID("tenant_id", m.TenantID); err != nil {
			return err
		}
	}
	if err := validName("name", m.Name); err != nil {
		return err
	}
	if err := maxLen("description", m.Description, types.MaxDescriptionLength); err != nil {
		return err
	}
	if m.Priority != nil && *m.Priority < 0 {
		return types.NewValidationError(types.ReasonInvalidField, "priority", "priority must be >= 0, got %d", *m.Priority)
	}

	switch v := e.(type) {
	case *types.Condition:
		return validateExpression("expression", v.Expression, func(s string) error {
			_, err := rules.ParsePredicate(s)
			return err
		})
	case *types.Rule:
		return validateExpression("rule", v.Expression, func(s string) error {
			_, err := rules.ParseRule(s)
			return err
		})
	case *types.ACL:
		return validateACL(v)
	}
	return types.NewValidationError(types.ReasonInvalidField, "kind", "unknown entity kind %q", e.Kind())
}

func validateExpression(field, expr string, parse func(string) error) error {
	if err := required(field, expr); err != nil {
		return err
	}
	if err := maxLen(field, expr, types.MaxExpressionLength); err != nil {
		return err
	}
	if err := parse(expr); err != nil {
		return types.NewValidationError(types.ReasonInvalidExpression, field, "%v", err)
	}
	return nil
}

func validateACL(a *types.ACL) error {
	fields := []struct {
		name     string
		value    string
		required bool
	}{
		{"action", a.Action, true},
		{"operator", a.Operator, true},
		{"match_condition", a.MatchCondition, true},
		{"match", a.Match, false},
		{"acl_type", a.ACLType, false},
		{"condition_ref", a.ConditionRef, false},
	}
	for _, f := range fields {
		if f.required {
			if err := required(f.name, f.value); err != nil {
				return err
			}
		}
		if err := maxLen(f.name, f.value, types.MaxACLFieldLength); err != nil {
			return err
		}
	}
	if !namePattern.MatchString(a.MatchCondition) {
		return types.NewValidationError(types.ReasonInvalidField, "match_condition", "match_condition %q contains invalid characters", a.MatchCondition)
	}
	if _, err := rules.ParseCriterion(a.Action); err != nil {
		return types.NewValidationError(types.ReasonInvalidField, "action", "%v", err)
	}
	if known, _ := rules.KnownVerb(a.Operator); !known {
		return types.NewValidationError(types.ReasonInvalidField, "operator", "unknown operator %q", a.Operator)
	}
	return nil
}

// checkImmutable rejects changes to ownership fields on update.
func checkImmutable(cur, next *types.Meta) error {
	if next.ID != cur.ID {
		return types.NewValidationError(types.ReasonImmutableField, "id", "id cannot be changed")
	}
	if next.ListenerID != cur.ListenerID {
		return types.NewValidationError(types.ReasonImmutableField, "listener_id", "listener_id cannot be changed")
	}
	if next.TenantID != cur.TenantID {
		return types.NewValidationError(types.ReasonImmutableField, "tenant_id", "tenant_id cannot be changed")
	}
	return nil
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/types"
)

/*
 * Request and response bodies.
 *
 * Bodies travel as google.protobuf.Struct and are converted to and from
 * the domain types through their JSON tags. Attributes a client may set
 * are listed per kind; anything else (including server-owned fields such
 * as provisioning_status or revision) is rejected.
 */

var commonAttrs = []string{"tenant_id", "listener_id", "name", "description", "admin_state_up", "priority"}

var kindAttrs = map[types.Kind][]string{
	types.KindCondition: {"expression"},
	types.KindACL:       {"action", "condition_ref", "acl_type", "operator", "match", "match_condition"},
	types.KindRule:      {"rule"},
}

var listenerAttrs = []string{"id", "tenant_id", "name", "protocol", "protocol_port", "admin_state_up"}

// splitBody returns the single kind-keyed object of a neutron-style body.
func splitBody(body *structpb.Struct) (types.Kind, map[string]any, error) {
	m := body.AsMap()
	if len(m) != 1 {
		return "", nil, types.NewValidationError(types.ReasonInvalidField, "", "body must contain exactly one of condition, acl or rule")
	}
	for k, v := range m {
		kind := types.Kind(k)
		if !kind.Valid() {
			return "", nil, types.NewValidationError(types.ReasonInvalidField, k, "unknown resource %q", k)
		}
		attrs, ok := v.(map[string]any)
		if !ok {
			return "", nil, types.NewValidationError(types.ReasonInvalidField, k, "%s must be an object", k)
		}
		return kind, attrs, nil
	}
	panic("unreachable")
}

// checkAttrs rejects attributes outside allowed.
func checkAttrs(attrs map[string]any, allowed ...[]string) error {
	ok := make(map[string]bool)
	for _, list := range allowed {
		for _, a := range list {
			ok[a] = true
		}
	}
	var unknown []string
	for k := range attrs {
		if !ok[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return types.NewValidationError(types.ReasonInvalidField, unknown[0], "unrecognized attribute %q", unknown[0])
}

// decodeAttrs overlays attrs onto dst through dst's JSON tags. Fields not
// named in attrs keep their current value.
func decodeAttrs(attrs map[string]any, dst any) error {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return types.NewValidationError(types.ReasonInvalidField, te.Field, "expected %s, got %s", te.Type, te.Value)
		}
		return types.NewValidationError(types.ReasonInvalidField, "", "%v", err)
	}
	return nil
}

// entityFromCreate builds a new entity from a create body. admin_state_up
// defaults to true.
func entityFromCreate(body *structpb.Struct) (types.Entity, error) {
	kind, attrs, err := splitBody(body)
	if err != nil {
		return nil, err
	}
	if err := checkAttrs(attrs, []string{"id"}, commonAttrs, kindAttrs[kind]); err != nil {
		return nil, err
	}
	e, _ := store.NewEntity(kind)
	e.Base().AdminStateUp = true
	if err := decodeAttrs(attrs, e); err != nil {
		return nil, err
	}
	return e, nil
}

// updateFromBody splits an update body into its target and a mutator that
// overlays the given attributes on the stored entity.
func updateFromBody(body *structpb.Struct) (types.Kind, types.EntityID, func(types.Entity) error, error) {
	kind, attrs, err := splitBody(body)
	if err != nil {
		return "", "", nil, err
	}
	id, _ := attrs["id"].(string)
	if id == "" {
		return "", "", nil, types.NewValidationError(types.ReasonMissingField, "id", "id is required")
	}
	delete(attrs, "id")
	if err := checkAttrs(attrs, commonAttrs, kindAttrs[kind]); err != nil {
		return "", "", nil, err
	}
	return kind, types.EntityID(id), func(e types.Entity) error {
		return decodeAttrs(attrs, e)
	}, nil
}

// entityRef is the body of Get and Delete: {"kind": "acl", "id": "..."}.
type entityRef struct {
	Kind types.Kind     `json:"kind"`
	ID   types.EntityID `json:"id"`
}

func refFromBody(body *structpb.Struct) (entityRef, error) {
	var ref entityRef
	if err := decodeAttrs(body.AsMap(), &ref); err != nil {
		return ref, err
	}
	if !ref.Kind.Valid() {
		return ref, types.NewValidationError(types.ReasonInvalidField, "kind", "unknown resource %q", ref.Kind)
	}
	if ref.ID == "" {
		return ref, types.NewValidationError(types.ReasonMissingField, "id", "id is required")
	}
	return ref, nil
}

// listQuery is the body of ListEntities.
type listQuery struct {
	Kind               types.Kind               `json:"kind"`
	ListenerID         types.ListenerID         `json:"listener_id"`
	TenantID           string                   `json:"tenant_id"`
	Name               string                   `json:"name"`
	ProvisioningStatus types.ProvisioningStatus `json:"provisioning_status"`
	Limit              int                      `json:"limit"`
}

func listFromBody(body *structpb.Struct) (types.Kind, store.ListFilter, error) {
	var q listQuery
	if err := decodeAttrs(body.AsMap(), &q); err != nil {
		return "", store.ListFilter{}, err
	}
	if q.ProvisioningStatus != "" && !q.ProvisioningStatus.Valid() {
		return "", store.ListFilter{}, types.NewValidationError(types.ReasonInvalidField, "provisioning_status", "unknown status %q", q.ProvisioningStatus)
	}
	if q.Limit < 0 {
		return "", store.ListFilter{}, types.NewValidationError(types.ReasonInvalidField, "limit", "limit must be >= 0")
	}
	return q.Kind, store.ListFilter{
		ListenerID: q.ListenerID,
		TenantID:   q.TenantID,
		Name:       q.Name,
		Status:     q.ProvisioningStatus,
		Limit:      q.Limit,
	}, nil
}

func listenerFromBody(body *structpb.Struct) (*types.Listener, error) {
	m := body.AsMap()
	raw, ok := m["listener"].(map[string]any)
	if len(m) != 1 || !ok {
		return nil, types.NewValidationError(types.ReasonInvalidField, "", "body must contain a listener object")
	}
	if err := checkAttrs(raw, listenerAttrs); err != nil {
		return nil, err
	}
	l := &types.Listener{AdminStateUp: true}
	if err := decodeAttrs(raw, l); err != nil {
		return nil, err
	}
	return l, nil
}

// toStruct converts any JSON-encodable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

func entityBody(e types.Entity) (*structpb.Struct, error) {
	return toStruct(map[string]any{string(e.Kind()): e})
}

func entityListBody(kind types.Kind, es []types.Entity) (*structpb.Struct, error) {
	if es == nil {
		es = []types.Entity{}
	}
	return toStruct(map[string]any{kind.Plural(): es})
}

// FromStruct decodes a response Struct into v through JSON.
func FromStruct(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ToStruct encodes v as a request Struct through JSON.
func ToStruct(v any) (*structpb.Struct, error) {
	return toStruct(v)
}

// CreateBody builds a create_entity request from e's client-settable
// attributes. Empty strings are left out so server defaults apply.
func CreateBody(e types.Entity) (*structpb.Struct, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	attrs := make(map[string]any)
	for _, list := range [][]string{commonAttrs, kindAttrs[e.Kind()]} {
		for _, a := range list {
			if v, ok := all[a]; ok && v != nil && v != "" {
				attrs[a] = v
			}
		}
	}
	return toStruct(map[string]any{string(e.Kind()): attrs})
}

// ListenerBody builds a create_listener request.
func ListenerBody(l *types.Listener) (*structpb.Struct, error) {
	return toStruct(map[string]any{"listener": l})
}

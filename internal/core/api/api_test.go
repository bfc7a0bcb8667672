package api

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/l7plane/internal/core/service"
	ostatus "github.com/solatis/l7plane/internal/status"
	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/store/memstore"
	"github.com/solatis/l7plane/internal/types"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	s := memstore.New()
	svc, err := service.New(s, store.NewLocker(), ostatus.NewTracker(s, zerolog.Nop()), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	rpc, err := NewListenerRulesService(svc)
	if err != nil {
		t.Fatalf("NewListenerRulesService() error = %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		LoggingInterceptor(zerolog.Nop()),
		TimeoutInterceptor(5*time.Second),
		ErrorInterceptor(),
	))
	RegisterListenerRulesServer(srv, rpc)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func mustStruct(t *testing.T, v map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(v)
	if err != nil {
		t.Fatalf("NewStruct() error = %v", err)
	}
	return s
}

func wantCode(t *testing.T, what string, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Errorf("%s code = %s, want %s (err = %v)", what, got, want, err)
	}
}

func setupListener(t *testing.T, c *Client) {
	t.Helper()
	_, err := c.CreateListener(context.Background(), mustStruct(t, map[string]any{
		"listener": map[string]any{"id": "L1", "tenant_id": "tenant-1", "protocol": "HTTP", "protocol_port": 80},
	}))
	if err != nil {
		t.Fatalf("CreateListener() error = %v", err)
	}
}

func TestCreateEntity_ConditionBoundACL(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	setupListener(t, c)

	resp, err := c.CreateEntity(ctx, mustStruct(t, map[string]any{
		"condition": map[string]any{"listener_id": "L1", "name": "login", "expression": "/login"},
	}))
	if err != nil {
		t.Fatalf("CreateEntity(condition) error = %v", err)
	}
	var cond struct {
		Condition types.Condition `json:"condition"`
	}
	if err := FromStruct(resp, &cond); err != nil {
		t.Fatalf("FromStruct() error = %v", err)
	}
	if cond.Condition.ProvisioningStatus != types.PendingCreate {
		t.Errorf("condition status = %s, want %s", cond.Condition.ProvisioningStatus, types.PendingCreate)
	}
	if !cond.Condition.AdminStateUp {
		t.Error("condition admin_state_up = false, want default true")
	}

	resp, err = c.CreateEntity(ctx, mustStruct(t, map[string]any{
		"acl": map[string]any{
			"listener_id":     "L1",
			"name":            "a",
			"action":          "url_end",
			"condition_ref":   string(cond.Condition.ID),
			"operator":        "redirect location",
			"match":           "http://www.letv.com",
			"match_condition": "m_a",
		},
	}))
	if err != nil {
		t.Fatalf("CreateEntity(acl) error = %v", err)
	}
	var acl struct {
		ACL types.ACL `json:"acl"`
	}
	if err := FromStruct(resp, &acl); err != nil {
		t.Fatalf("FromStruct() error = %v", err)
	}
	if acl.ACL.ConditionRef != string(cond.Condition.ID) {
		t.Errorf("condition_ref = %q, want %q", acl.ACL.ConditionRef, cond.Condition.ID)
	}
	if acl.ACL.TenantID != "tenant-1" {
		t.Errorf("tenant_id = %q, want tenant-1", acl.ACL.TenantID)
	}

	_, err = c.CreateEntity(ctx, mustStruct(t, map[string]any{
		"acl": map[string]any{
			"listener_id": "L1", "name": "a", "action": "url_end",
			"operator": "deny", "match_condition": "m_b",
		},
	}))
	wantCode(t, "CreateEntity(duplicate)", err, codes.AlreadyExists)
}

func TestCreateEntity_Rejections(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	setupListener(t, c)

	tests := []struct {
		name string
		body map[string]any
		want codes.Code
	}{
		{"unknown attribute", map[string]any{"rule": map[string]any{"listener_id": "L1", "name": "r", "rule": "deny", "colour": "red"}}, codes.InvalidArgument},
		{"server-owned attribute", map[string]any{"rule": map[string]any{"listener_id": "L1", "name": "r", "rule": "deny", "provisioning_status": "ACTIVE"}}, codes.InvalidArgument},
		{"non-boolean admin_state_up", map[string]any{"rule": map[string]any{"listener_id": "L1", "name": "r", "rule": "deny", "admin_state_up": "yes"}}, codes.InvalidArgument},
		{"unknown resource", map[string]any{"pool": map[string]any{"name": "p"}}, codes.InvalidArgument},
		{"two resources", map[string]any{"rule": map[string]any{}, "acl": map[string]any{}}, codes.InvalidArgument},
		{"unknown listener", map[string]any{"rule": map[string]any{"listener_id": "L9", "name": "r", "rule": "deny"}}, codes.InvalidArgument},
		{"invalid expression", map[string]any{"condition": map[string]any{"listener_id": "L1", "name": "c", "expression": "src 999.1.1.1"}}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateEntity(ctx, mustStruct(t, tt.body))
			wantCode(t, "CreateEntity()", err, tt.want)
		})
	}
}

func TestEntityLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	setupListener(t, c)

	resp, err := c.CreateEntity(ctx, mustStruct(t, map[string]any{
		"rule": map[string]any{"id": "r1", "listener_id": "L1", "name": "block", "rule": "deny if path_beg /admin", "priority": 10},
	}))
	if err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	var created struct {
		Rule types.Rule `json:"rule"`
	}
	if err := FromStruct(resp, &created); err != nil {
		t.Fatalf("FromStruct() error = %v", err)
	}
	if created.Rule.Priority == nil || *created.Rule.Priority != 10 {
		t.Errorf("priority = %v, want 10", created.Rule.Priority)
	}

	resp, err = c.UpdateEntity(ctx, mustStruct(t, map[string]any{
		"rule": map[string]any{"id": "r1", "description": "admin area"},
	}))
	if err != nil {
		t.Fatalf("UpdateEntity() error = %v", err)
	}
	var updated struct {
		Rule types.Rule `json:"rule"`
	}
	if err := FromStruct(resp, &updated); err != nil {
		t.Fatalf("FromStruct() error = %v", err)
	}
	if updated.Rule.Description != "admin area" || updated.Rule.Expression != "deny if path_beg /admin" {
		t.Errorf("updated rule = %+v, want description set and rule kept", updated.Rule)
	}
	if updated.Rule.Revision != 2 {
		t.Errorf("revision = %d, want 2", updated.Rule.Revision)
	}

	_, err = c.UpdateEntity(ctx, mustStruct(t, map[string]any{
		"rule": map[string]any{"id": "r1", "listener_id": "L2"},
	}))
	wantCode(t, "UpdateEntity(listener_id)", err, codes.InvalidArgument)

	ref := mustStruct(t, map[string]any{"kind": "rule", "id": "r1"})
	err = c.DeleteEntity(ctx, ref)
	wantCode(t, "DeleteEntity(PENDING_CREATE)", err, codes.FailedPrecondition)

	if _, err := c.GetEntity(ctx, ref); err != nil {
		t.Errorf("GetEntity() error = %v", err)
	}
	_, err = c.GetEntity(ctx, mustStruct(t, map[string]any{"kind": "rule", "id": "missing"}))
	wantCode(t, "GetEntity(missing)", err, codes.NotFound)

	list, err := c.ListEntities(ctx, mustStruct(t, map[string]any{"kind": "rule", "listener_id": "L1"}))
	if err != nil {
		t.Fatalf("ListEntities() error = %v", err)
	}
	var rules struct {
		Rules []types.Rule `json:"rules"`
	}
	if err := FromStruct(list, &rules); err != nil {
		t.Fatalf("FromStruct() error = %v", err)
	}
	if len(rules.Rules) != 1 || rules.Rules[0].ID != "r1" {
		t.Errorf("ListEntities() = %+v, want [r1]", rules.Rules)
	}

	err = c.DeleteListener(ctx, "L1")
	wantCode(t, "DeleteListener(in use)", err, codes.FailedPrecondition)
}

func TestPlanStatusAndRecompile(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	setupListener(t, c)

	if err := c.RequestRecompile(ctx, "L1"); err != nil {
		t.Errorf("RequestRecompile() error = %v", err)
	}
	err := c.RequestRecompile(ctx, "L9")
	wantCode(t, "RequestRecompile(L9)", err, codes.InvalidArgument)

	resp, err := c.GetPlanStatus(ctx, "L1")
	if err != nil {
		t.Fatalf("GetPlanStatus() error = %v", err)
	}
	var ps ostatus.PlanStatus
	if err := FromStruct(resp, &ps); err != nil {
		t.Fatalf("FromStruct() error = %v", err)
	}
	if ps.ListenerID != "L1" || ps.Status != types.Offline {
		t.Errorf("plan status = %+v, want L1 OFFLINE", ps)
	}
	_, err = c.GetPlanStatus(ctx, "L9")
	wantCode(t, "GetPlanStatus(L9)", err, codes.NotFound)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{types.NewValidationError(types.ReasonMissingField, "name", "required"), codes.InvalidArgument},
		{types.NewValidationError(types.ReasonDuplicateName, "name", "dup"), codes.AlreadyExists},
		{types.NewValidationError(types.ReasonInUse, "", "in use"), codes.FailedPrecondition},
		{types.ErrNotFound, codes.NotFound},
		{types.ErrListenerInUse, codes.FailedPrecondition},
		{types.ErrStatusConflict, codes.Aborted},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{types.ErrSchemaMismatch, codes.Unavailable},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
	}
	for _, tt := range tests {
		if got := status.Code(ToStatus(tt.err)); got != tt.want {
			t.Errorf("ToStatus(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if ToStatus(nil) != nil {
		t.Error("ToStatus(nil) != nil")
	}
}

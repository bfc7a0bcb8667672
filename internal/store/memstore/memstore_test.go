package memstore

import (
	"context"
	"testing"

	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/store/storetest"
	"github.com/solatis/l7plane/internal/types"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestStore_ReusesFreedSlots(t *testing.T) {
	ctx := context.Background()
	s := New()
	storetest.Listener(t, s, "L1")

	c := storetest.Condition("C1", "L1", "/a")
	if err := s.CreateEntity(ctx, c); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	ref := c.Ref(types.KindCondition)
	if err := s.SetStatus(ctx, ref, types.Transition{From: types.PendingCreate, To: types.PendingDelete}); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := s.DeleteIfConfirmed(ctx, ref); err != nil {
		t.Fatalf("DeleteIfConfirmed() error = %v", err)
	}

	if err := s.CreateEntity(ctx, storetest.Condition("C2", "L1", "/b")); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	if len(s.arena) != 1 {
		t.Errorf("len(arena) = %d, want 1", len(s.arena))
	}
	if len(s.free) != 0 {
		t.Errorf("len(free) = %d, want 0", len(s.free))
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	storetest.Listener(t, s, "L1")

	p := int64(1)
	r := storetest.Rule("R1", "L1", "deny")
	r.Priority = &p
	if err := s.CreateEntity(ctx, r); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	*r.Priority = 9
	r.Expression = "allow"

	got, err := s.GetEntity(ctx, types.KindRule, "R1")
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if *got.Base().Priority != 1 || got.(*types.Rule).Expression != "deny" {
		t.Errorf("stored rule changed through caller pointer: %+v", got)
	}

	got.(*types.Rule).Expression = "tarpit"
	again, _ := s.GetEntity(ctx, types.KindRule, "R1")
	if again.(*types.Rule).Expression != "deny" {
		t.Errorf("Expression = %q, want deny", again.(*types.Rule).Expression)
	}
}

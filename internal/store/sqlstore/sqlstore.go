// Package sqlstore implements the Rule Store over the lbaas schema with
// sqlx. Fixed statements are dotsql named queries; listings with optional
// filters are built with squirrel.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/solatis/l7plane/internal/core/db"
	"github.com/solatis/l7plane/internal/store"
	"github.com/solatis/l7plane/internal/types"
)

// table holds the per-kind table and query names.
type table struct {
	name     string
	columns  []string
	selectQ  string
	byListQ  string
	insertQ  string
	updateQ  string
	statusQ  string
	deleteQ  string
	newSlice func() any
}

var tables = map[types.Kind]table{
	types.KindCondition: {
		name: "lbaas_conditions",
		columns: []string{
			"id", "COALESCE(tenant_id, '') AS tenant_id", "listener_id",
			"COALESCE(name, '') AS name", "COALESCE(description, '') AS description",
			`"condition"`,
		},
		selectQ: "select-condition", byListQ: "select-conditions-by-listener",
		insertQ: "insert-condition", updateQ: "update-condition",
		statusQ: "set-condition-status", deleteQ: "delete-condition-confirmed",
		newSlice: func() any { return &[]types.Condition{} },
	},
	types.KindACL: {
		name: "lbaas_acls",
		columns: []string{
			"id", "COALESCE(tenant_id, '') AS tenant_id", "listener_id", "name",
			"COALESCE(description, '') AS description", `"action"`,
			`COALESCE("condition", '') AS "condition"`, "COALESCE(acl_type, '') AS acl_type",
			`"operator"`, `COALESCE("match", '') AS "match"`, "match_condition",
		},
		selectQ: "select-acl", byListQ: "select-acls-by-listener",
		insertQ: "insert-acl", updateQ: "update-acl",
		statusQ: "set-acl-status", deleteQ: "delete-acl-confirmed",
		newSlice: func() any { return &[]types.ACL{} },
	},
	types.KindRule: {
		name: "lbaas_rules",
		columns: []string{
			"id", "COALESCE(tenant_id, '') AS tenant_id", "listener_id",
			"COALESCE(name, '') AS name", "COALESCE(description, '') AS description",
			"rule",
		},
		selectQ: "select-rule", byListQ: "select-rules-by-listener",
		insertQ: "insert-rule", updateQ: "update-rule",
		statusQ: "set-rule-status", deleteQ: "delete-rule-confirmed",
		newSlice: func() any { return &[]types.Rule{} },
	},
}

var lifecycleColumns = []string{
	"admin_state_up", "provisioning_status", "operating_status",
	"priority", "seq", "revision", "status_reason",
}

// Store implements store.Store on a *sqlx.DB.
type Store struct {
	db      *sqlx.DB
	queries *db.Queries
	builder sq.StatementBuilderType
}

var _ store.Store = (*Store)(nil)

// New verifies the schema descriptor against conn and returns a Store.
func New(conn *sqlx.DB, schema db.Schema) (*Store, error) {
	if err := db.Verify(conn, schema); err != nil {
		return nil, err
	}
	queries, err := db.LoadQueries()
	if err != nil {
		return nil, err
	}

	builder := sq.StatementBuilder.PlaceholderFormat(sq.Question)
	if schema.Dialect == db.Postgres {
		builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return &Store{db: conn, queries: queries, builder: builder}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateListener(ctx context.Context, l *types.Listener) error {
	return db.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := s.queries.Exec(ctx, tx, "create-listener",
			l.ID, l.TenantID, l.Name, l.Protocol, l.ProtocolPort, l.AdminStateUp)
		if err != nil {
			if class, _, ok := constraintViolation(err); ok && class == violationUnique {
				return fmt.Errorf("listener %s: %w", l.ID, types.ErrListenerExists)
			}
			return fmt.Errorf("failed to create listener: %w", err)
		}
		if _, err := s.queries.Exec(ctx, tx, "init-listener-sequence", l.ID); err != nil {
			return fmt.Errorf("failed to init listener sequence: %w", err)
		}
		return nil
	})
}

func (s *Store) GetListener(ctx context.Context, id types.ListenerID) (*types.Listener, error) {
	var l types.Listener
	if err := s.queries.Get(ctx, s.db, "get-listener", &l, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("listener %s: %w", id, types.ErrListenerNotFound)
		}
		return nil, fmt.Errorf("failed to get listener: %w", err)
	}
	return &l, nil
}

func (s *Store) ListListeners(ctx context.Context) ([]types.Listener, error) {
	var out []types.Listener
	if err := s.queries.Select(ctx, s.db, "list-listeners", &out); err != nil {
		return nil, fmt.Errorf("failed to list listeners: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteListener(ctx context.Context, id types.ListenerID) error {
	return db.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var l types.Listener
		if err := s.queries.Get(ctx, tx, "get-listener", &l, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("listener %s: %w", id, types.ErrListenerNotFound)
			}
			return fmt.Errorf("failed to get listener: %w", err)
		}

		var owned int
		if err := s.queries.Get(ctx, tx, "count-listener-entities", &owned, id, id, id); err != nil {
			return fmt.Errorf("failed to count listener entities: %w", err)
		}
		if owned > 0 {
			return fmt.Errorf("listener %s owns %d entities: %w", id, owned, types.ErrListenerInUse)
		}

		for _, name := range []string{"delete-listener-sequence", "delete-listener-plan", "delete-listener"} {
			if _, err := s.queries.Exec(ctx, tx, name, id); err != nil {
				return fmt.Errorf("failed to delete listener (%s): %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) GetEntities(ctx context.Context, listener types.ListenerID) (*types.EntitySet, error) {
	set := &types.EntitySet{ListenerID: listener}

	err := db.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var l types.Listener
		if err := s.queries.Get(ctx, tx, "get-listener", &l, listener); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("listener %s: %w", listener, types.ErrListenerNotFound)
			}
			return fmt.Errorf("failed to get listener: %w", err)
		}
		if err := s.queries.Select(ctx, tx, "select-conditions-by-listener", &set.Conditions, listener); err != nil {
			return fmt.Errorf("failed to select conditions: %w", err)
		}
		if err := s.queries.Select(ctx, tx, "select-acls-by-listener", &set.ACLs, listener); err != nil {
			return fmt.Errorf("failed to select acls: %w", err)
		}
		if err := s.queries.Select(ctx, tx, "select-rules-by-listener", &set.Rules, listener); err != nil {
			return fmt.Errorf("failed to select rules: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

func (s *Store) GetEntity(ctx context.Context, kind types.Kind, id types.EntityID) (types.Entity, error) {
	return s.getEntity(ctx, s.db, kind, id)
}

func (s *Store) getEntity(ctx context.Context, ext sqlx.ExtContext, kind types.Kind, id types.EntityID) (types.Entity, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	e, _ := store.NewEntity(kind)
	if err := s.queries.Get(ctx, ext, t.selectQ, e, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", kind, id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", kind, err)
	}
	return e, nil
}

func (s *Store) ListEntities(ctx context.Context, kind types.Kind, f store.ListFilter) ([]types.Entity, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}

	cols := append(append([]string{}, t.columns...), lifecycleColumns...)
	q := s.builder.Select(cols...).From(t.name).OrderBy("listener_id", "seq", "id")
	if f.ListenerID != "" {
		q = q.Where(sq.Eq{"listener_id": f.ListenerID})
	}
	if f.TenantID != "" {
		q = q.Where(sq.Eq{"tenant_id": f.TenantID})
	}
	if f.Name != "" {
		q = q.Where(sq.Eq{"name": f.Name})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"provisioning_status": string(f.Status)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	dest := t.newSlice()
	if err := sqlx.SelectContext(ctx, s.db, dest, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind.Plural(), err)
	}

	var out []types.Entity
	switch rows := dest.(type) {
	case *[]types.Condition:
		for i := range *rows {
			out = append(out, &(*rows)[i])
		}
	case *[]types.ACL:
		for i := range *rows {
			out = append(out, &(*rows)[i])
		}
	case *[]types.Rule:
		for i := range *rows {
			out = append(out, &(*rows)[i])
		}
	}
	return out, nil
}

func (s *Store) CreateEntity(ctx context.Context, e types.Entity) error {
	t, ok := tables[e.Kind()]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", e.Kind())
	}
	m := e.Base()

	return db.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := s.queries.Exec(ctx, tx, "bump-listener-sequence", m.ListenerID)
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("listener %s: %w", m.ListenerID, types.ErrListenerNotFound)
		}
		var seq int64
		if err := s.queries.Get(ctx, tx, "get-listener-sequence", &seq, m.ListenerID); err != nil {
			return fmt.Errorf("failed to read sequence: %w", err)
		}

		if _, err := s.queries.Exec(ctx, tx, t.insertQ, insertArgs(e, seq)...); err != nil {
			return mapWriteError(e, err)
		}
		m.Seq = seq
		m.Revision = 1
		return nil
	})
}

func (s *Store) UpdateEntity(ctx context.Context, e types.Entity, from types.ProvisioningStatus) error {
	t, ok := tables[e.Kind()]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", e.Kind())
	}
	m := e.Base()

	return db.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := s.queries.Exec(ctx, tx, t.updateQ, updateArgs(e, from)...)
		if err != nil {
			return mapWriteError(e, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			cur, err := s.getEntity(ctx, tx, e.Kind(), m.ID)
			if err != nil {
				return err
			}
			cm := cur.Base()
			return fmt.Errorf("%s/%s at %s@%d: %w", e.Kind(), m.ID, cm.ProvisioningStatus, cm.Revision, types.ErrStatusConflict)
		}
		m.Revision++
		return nil
	})
}

func (s *Store) SetStatus(ctx context.Context, ref types.EntityRef, tr types.Transition) error {
	t, ok := tables[ref.Kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", ref.Kind)
	}

	return db.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := s.queries.Exec(ctx, tx, t.statusQ,
			tr.To, tr.Operating, tr.Reason, ref.ID, tr.From, tr.Revision, tr.Revision)
		if err != nil {
			return fmt.Errorf("failed to set status of %s: %w", ref, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			cur, err := s.getEntity(ctx, tx, ref.Kind, ref.ID)
			if err != nil {
				return err
			}
			cm := cur.Base()
			return fmt.Errorf("%s: %s@%d: %w", ref, cm.ProvisioningStatus, cm.Revision, types.ErrStatusConflict)
		}
		return nil
	})
}

func (s *Store) DeleteIfConfirmed(ctx context.Context, ref types.EntityRef) error {
	t, ok := tables[ref.Kind]
	if !ok {
		return fmt.Errorf("unknown entity kind %q", ref.Kind)
	}

	return db.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := s.queries.Exec(ctx, tx, t.deleteQ, ref.ID, ref.Revision, ref.Revision)
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", ref, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			cur, err := s.getEntity(ctx, tx, ref.Kind, ref.ID)
			if err != nil {
				return err
			}
			cm := cur.Base()
			return fmt.Errorf("%s: %s@%d: %w", ref, cm.ProvisioningStatus, cm.Revision, types.ErrNotPendingDelete)
		}
		return nil
	})
}

func (s *Store) ListPendingListeners(ctx context.Context) ([]types.ListenerID, error) {
	pending := []string{string(types.PendingCreate), string(types.PendingUpdate), string(types.PendingDelete)}

	var union sq.SelectBuilder
	for i, kind := range []types.Kind{types.KindCondition, types.KindACL, types.KindRule} {
		sel := sq.Select("listener_id").From(tables[kind].name).Where(sq.Eq{"provisioning_status": pending})
		if i == 0 {
			union = sel
			continue
		}
		part, args, err := sel.ToSql()
		if err != nil {
			return nil, fmt.Errorf("failed to build pending query: %w", err)
		}
		union = union.Suffix("UNION "+part, args...)
	}

	query, args, err := union.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build pending query: %w", err)
	}
	query = s.db.Rebind(query)

	var ids []types.ListenerID
	if err := sqlx.SelectContext(ctx, s.db, &ids, "SELECT DISTINCT listener_id FROM ("+query+") pending ORDER BY listener_id", args...); err != nil {
		return nil, fmt.Errorf("failed to list pending listeners: %w", err)
	}
	return ids, nil
}

type planRow struct {
	ListenerID types.ListenerID `db:"listener_id"`
	Digest     string           `db:"digest"`
	AppliedAt  int64            `db:"applied_at"`
	Status     string           `db:"status"`
	LastError  string           `db:"last_error"`
}

func (s *Store) GetPlanRecord(ctx context.Context, listener types.ListenerID) (*store.PlanRecord, error) {
	if _, err := s.GetListener(ctx, listener); err != nil {
		return nil, err
	}

	var row planRow
	if err := s.queries.Get(ctx, s.db, "get-plan-record", &row, listener); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &store.PlanRecord{ListenerID: listener}, nil
		}
		return nil, fmt.Errorf("failed to get plan record: %w", err)
	}

	rec := &store.PlanRecord{
		ListenerID: row.ListenerID,
		Digest:     row.Digest,
		Status:     row.Status,
		LastError:  row.LastError,
	}
	if row.AppliedAt > 0 {
		rec.AppliedAt = time.UnixMilli(row.AppliedAt).UTC()
	}
	return rec, nil
}

func (s *Store) PutPlanRecord(ctx context.Context, rec *store.PlanRecord) error {
	var appliedAt int64
	if !rec.AppliedAt.IsZero() {
		appliedAt = rec.AppliedAt.UnixMilli()
	}
	_, err := s.queries.Exec(ctx, s.db, "put-plan-record",
		rec.ListenerID, rec.Digest, appliedAt, rec.Status, types.Truncate(rec.LastError, types.MaxStatusReasonLength))
	if err != nil {
		if class, _, ok := constraintViolation(err); ok && class == violationForeignKey {
			return fmt.Errorf("listener %s: %w", rec.ListenerID, types.ErrListenerNotFound)
		}
		return fmt.Errorf("failed to put plan record: %w", err)
	}
	return nil
}

func mapWriteError(e types.Entity, err error) error {
	m := e.Base()
	class, name, ok := constraintViolation(err)
	switch {
	case ok && class == violationUnique && isACLNameViolation(name):
		return types.NewValidationError(types.ReasonDuplicateName, "name",
			"acl name %q already exists on listener %s", m.Name, m.ListenerID)
	case ok && class == violationUnique:
		return types.NewValidationError(types.ReasonInvalidField, "id", "%s %s already exists", e.Kind(), m.ID)
	case ok && class == violationForeignKey:
		return fmt.Errorf("listener %s: %w", m.ListenerID, types.ErrListenerNotFound)
	}
	return fmt.Errorf("failed to write %s %s: %w", e.Kind(), m.ID, err)
}

func insertArgs(e types.Entity, seq int64) []any {
	m := e.Base()
	head := []any{m.ID, m.TenantID, m.ListenerID, m.Name, m.Description}
	tail := []any{m.AdminStateUp, m.ProvisioningStatus, m.OperatingStatus, m.Priority, seq, m.StatusReason}

	switch v := e.(type) {
	case *types.Condition:
		head = append(head, v.Expression)
	case *types.ACL:
		head = append(head, v.Action, v.ConditionRef, v.ACLType, v.Operator, v.Match, v.MatchCondition)
	case *types.Rule:
		head = append(head, v.Expression)
	}
	return append(head, tail...)
}

func updateArgs(e types.Entity, from types.ProvisioningStatus) []any {
	m := e.Base()
	head := []any{m.Name, m.Description}
	tail := []any{
		m.AdminStateUp, m.ProvisioningStatus, m.OperatingStatus, m.Priority, m.StatusReason,
		m.ID, m.Revision, from,
	}

	switch v := e.(type) {
	case *types.Condition:
		head = append(head, v.Expression)
	case *types.ACL:
		head = append(head, v.Action, v.ConditionRef, v.ACLType, v.Operator, v.Match, v.MatchCondition)
	case *types.Rule:
		head = append(head, v.Expression)
	}
	return append(head, tail...)
}

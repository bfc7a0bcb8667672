package sqlstore

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// constraint classes shared by both drivers.
const (
	violationUnique     = "unique"
	violationForeignKey = "foreign_key"
)

// aclNameConstraint is UNIQUE(listener_id, name) on lbaas_acls.
const aclNameConstraint = "uniq_resource_to_name"

// constraintViolation reports the violation class and, where the driver
// provides it, the constraint name. SQLite only reports the columns, so
// for it the name is the failing column list.
func constraintViolation(err error) (class, name string, ok bool) {
	if err == nil {
		return "", "", false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return violationUnique, pqErr.Constraint, true
		case "23503":
			return violationForeignKey, pqErr.Constraint, true
		}
		return "", "", false
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return violationUnique, sqliteColumns(liteErr.Error()), true
		case sqlite3.ErrConstraintForeignKey:
			return violationForeignKey, "", true
		}
	}
	return "", "", false
}

// isACLNameViolation matches the postgres constraint name or the sqlite
// column list "lbaas_acls.listener_id, lbaas_acls.name".
func isACLNameViolation(name string) bool {
	return name == aclNameConstraint || name == "lbaas_acls.listener_id, lbaas_acls.name"
}

func sqliteColumns(msg string) string {
	if i := strings.Index(msg, "constraint failed: "); i >= 0 {
		return msg[i+len("constraint failed: "):]
	}
	return msg
}

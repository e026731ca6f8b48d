package tenant

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorClassifier recognises database errors that callers treat specially.
type ErrorClassifier interface {
	IsDeadlock(err error) bool
	IsLockTimeout(err error) bool
	IsAccessDenied(err error) bool
}

// PostgresClassifier classifies errors by SQLSTATE.
type PostgresClassifier struct{}

var _ ErrorClassifier = PostgresClassifier{}

func (PostgresClassifier) IsDeadlock(err error) bool {
	return hasCode(err, "40P01")
}

func (PostgresClassifier) IsLockTimeout(err error) bool {
	return hasCode(err, "55P03")
}

func (PostgresClassifier) IsAccessDenied(err error) bool {
	return hasCode(err, "28000", "28P01", "42501")
}

// IsContention reports a deadlock or lock-wait timeout.
func IsContention(c ErrorClassifier, err error) bool {
	return c.IsDeadlock(err) || c.IsLockTimeout(err)
}

func hasCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, c := range codes {
		if pgErr.Code == c {
			return true
		}
	}
	return false
}

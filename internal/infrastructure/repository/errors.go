package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// PostgreSQL SQLSTATE codes the stores react to.
const (
	codeUniqueViolation  = "23505"
	codeLockNotAvailable = "55P03"
	codeQueryCanceled    = "57014"
)

var ErrNotFound = errors.New("entity not found")

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsUniqueViolation checks if the error is a unique constraint violation
func IsUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

// IsLockNotAvailable reports a lock_timeout expiry.
func IsLockNotAvailable(err error) bool {
	return pgCode(err) == codeLockNotAvailable
}

// IsQueryCanceled reports a statement_timeout or cancelled query.
func IsQueryCanceled(err error) bool {
	return pgCode(err) == codeQueryCanceled
}

// IsNotFound checks if the error indicates a record was not found
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}

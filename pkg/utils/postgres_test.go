package utils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "wallet_transactions_idem_key"})

	if !IsUniqueViolation(err, "") {
		t.Fatalf("expected unique violation for any constraint")
	}
	if !IsUniqueViolation(err, "wallet_transactions_idem_key") {
		t.Fatalf("expected unique violation for named constraint")
	}
	if IsUniqueViolation(err, "other") {
		t.Fatalf("expected mismatch on constraint name")
	}
	if IsUniqueViolation(errors.New("plain"), "") {
		t.Fatalf("plain errors are not unique violations")
	}
}

func TestIsRetryableTxError(t *testing.T) {
	if !IsRetryableTxError(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("serialization failure should be retryable")
	}
	if !IsRetryableTxError(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "40P01"})) {
		t.Fatalf("deadlock should be retryable")
	}
	if IsRetryableTxError(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("unique violation is not retryable")
	}
}

package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/cookiesync/internal/cookies"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// mapError converts pgx errors into store errors. Context errors pass through.
func mapError(err error, operation, userID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", operation, userID, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", operation, userID, cookies.ErrRecordNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s %s: %s (sqlstate %s): %w", operation, userID, pgErr.Message, pgErr.Code, err)
	}
	return fmt.Errorf("%s %s: %w", operation, userID, err)
}

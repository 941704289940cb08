package database

import (
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
)

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		result += k + "='" + replacer.Replace(v) + "' "
	}
	return result
}

func OpenPgxPool(ctx *appcontext.Context, connection map[string]string) (*pgxpool.Pool, error) {
	db, err := pgxpool.New(ctx, CreateConnectionString(connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = db.Ping(ctx)
	return db, errors.WithStack(err)
}

// ExecuteWithDatabaseRetry executes action, retrying after backoff whenever it fails with a
// retryable database error. Non-retryable errors are returned immediately.
func ExecuteWithDatabaseRetry(ctx *appcontext.Context, action func() error) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := action()
		if err == nil || !IsRetryableError(err) {
			return err
		}
		ctx.Log.WithError(err).Warnf("Retryable database error; retrying in %s", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// IsRetryableError returns true for connection failures and serialization errors, where
// retrying the transaction is expected to succeed.
func IsRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 - connection exceptions, 40001 - serialization failure,
		// 40P01 - deadlock detected
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

package mergedb

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/searchingester/metrics"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
)

// SubResourceLock is a per-(entity type, tenant) advisory lock stored as a database row with
// a watermark timestamp. Acquire and release are single conditional updates, so a runner
// that crashes mid-drain cannot lose an unlock: the lock is taken over after
// takeoverTimeout has elapsed since it was acquired. Each acquisition stamps a fresh owner
// token and release only succeeds for the current owner, so a presumed-dead runner that
// comes back after its lock was taken over cannot unlock the new holder.
type SubResourceLock struct {
	db              *pgxpool.Pool
	takeoverTimeout time.Duration
	metrics         *metrics.Metrics
}

func NewSubResourceLock(db *pgxpool.Pool, takeoverTimeout time.Duration, m *metrics.Metrics) *SubResourceLock {
	return &SubResourceLock{
		db:              db,
		takeoverTimeout: takeoverTimeout,
		metrics:         m,
	}
}

// TryAcquire attempts to take the lock for the given cell, creating the lock row lazily on
// first use. On success it returns the stored watermark (the timestamp up to which this
// cell has previously been drained) and the owner token to release with. Returns ok=false
// without error when another runner holds the lock.
func (l *SubResourceLock) TryAcquire(ctx *appcontext.Context, entity model.EntityType, tenant string) (time.Time, string, bool, error) {
	_, err := l.db.Exec(ctx, `
		INSERT INTO merge_range_locks (entity_type, tenant_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		string(entity), tenant)
	if err != nil {
		l.metrics.RecordDBError(metrics.DBOperationLock)
		return time.Time{}, "", false, errors.WithStack(err)
	}

	owner := uuid.NewString()
	var watermark time.Time
	err = l.db.QueryRow(ctx, `
		UPDATE merge_range_locks
		SET locked = true, locked_at = now(), owner = $4
		WHERE entity_type = $1 AND tenant_id = $2
		  AND (NOT locked OR locked_at < now() - make_interval(secs => $3))
		RETURNING last_processed`,
		string(entity), tenant, l.takeoverTimeout.Seconds(), owner).Scan(&watermark)
	if errors.Is(err, pgx.ErrNoRows) {
		// Another runner is draining this cell; not an error.
		return time.Time{}, "", false, nil
	}
	if err != nil {
		l.metrics.RecordDBError(metrics.DBOperationLock)
		return time.Time{}, "", false, errors.WithStack(err)
	}
	return watermark, owner, true, nil
}

// Release unlocks the cell and stores the new watermark, provided the caller still owns the
// lock. A release after the lock was taken over is ignored entirely so that a stale runner
// can neither unlock the new holder nor move its watermark. The watermark only ever moves
// forward: releasing with an older timestamp than the stored one keeps the stored value.
func (l *SubResourceLock) Release(ctx *appcontext.Context, entity model.EntityType, tenant string, owner string, watermark time.Time) error {
	tag, err := l.db.Exec(ctx, `
		UPDATE merge_range_locks
		SET locked = false, last_processed = greatest(last_processed, $3)
		WHERE entity_type = $1 AND tenant_id = $2 AND owner = $4`,
		string(entity), tenant, watermark, owner)
	if err != nil {
		l.metrics.RecordDBError(metrics.DBOperationLock)
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		ctx.Log.Warnf("lock for %s/%s was taken over while held; release ignored", entity, tenant)
	}
	return nil
}

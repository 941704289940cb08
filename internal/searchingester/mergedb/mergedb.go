// Package mergedb implements the merge range staging tables on postgres. Each entity type
// has its own table holding the latest known row per (tenant, id); rows are written by the
// staging processor and drained into the search index by the drain scheduler.
package mergedb

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/opencatalog/searchingester/internal/common/appcontext"
	"github.com/opencatalog/searchingester/internal/searchingester/metrics"
	"github.com/opencatalog/searchingester/internal/searchingester/model"
)

var tableNames = map[model.EntityType]string{
	model.EntityInstance:       "merge_instance",
	model.EntityHoldings:       "merge_holdings",
	model.EntityItem:           "merge_item",
	model.EntitySubject:        "merge_subject",
	model.EntityClassification: "merge_classification",
	model.EntityContributor:    "merge_contributor",
	model.EntityCallNumber:     "merge_call_number",
}

// realTimeBulkThreshold is the row count above which even real-time writes take the
// temp-table COPY path. The COPY protocol wins over batched inserts from a handful of rows;
// see https://www.postgresql.org/docs/current/populate.html
const realTimeBulkThreshold = 50

type MergeStore struct {
	db      *pgxpool.Pool
	metrics *metrics.Metrics
}

func NewMergeStore(db *pgxpool.Pool, m *metrics.Metrics) *MergeStore {
	return &MergeStore{db: db, metrics: m}
}

func tableFor(entity model.EntityType) (string, error) {
	if name, ok := tableNames[entity]; ok {
		return name, nil
	}
	return "", errors.Errorf("no merge range table for entity type %q", entity)
}

// InitSchema creates the merge range tables and the lock table if they do not exist.
func (s *MergeStore) InitSchema(ctx *appcontext.Context) error {
	for _, table := range tableNames {
		_, err := s.db.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id           text NOT NULL,
				tenant_id    text NOT NULL,
				payload      jsonb NOT NULL,
				shared       boolean NOT NULL DEFAULT false,
				bound        boolean NOT NULL DEFAULT false,
				is_deleted   boolean NOT NULL DEFAULT false,
				last_updated timestamptz NOT NULL DEFAULT now(),
				PRIMARY KEY (tenant_id, id)
			);
			CREATE INDEX IF NOT EXISTS %[1]s_last_updated_idx ON %[1]s (tenant_id, last_updated);`, table))
		if err != nil {
			return errors.WithStack(err)
		}
	}
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS merge_range_locks (
			entity_type    text NOT NULL,
			tenant_id      text NOT NULL,
			locked         boolean NOT NULL DEFAULT false,
			locked_at      timestamptz NOT NULL DEFAULT now(),
			owner          text NOT NULL DEFAULT '',
			last_processed timestamptz NOT NULL DEFAULT to_timestamp(0),
			PRIMARY KEY (entity_type, tenant_id)
		);`)
	return errors.WithStack(err)
}

// SaveEntities upserts rows into the entity's merge range table, replacing any previous row
// for the same (tenant, id) and resetting its deleted flag. Real-time writes for small
// batches go through a single pgx batch; bulk reindex writes and large batches use a
// temporary table loaded with the COPY protocol.
func (s *MergeStore) SaveEntities(
	ctx *appcontext.Context,
	tenant string,
	entity model.EntityType,
	mode model.IndexMode,
	rows []model.StagedEntity,
) error {
	if len(rows) == 0 {
		return nil
	}
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	if mode == model.ModeBulkReindex || len(rows) > realTimeBulkThreshold {
		err = s.saveEntitiesBulk(ctx, tenant, table, rows)
	} else {
		err = s.saveEntitiesBatched(ctx, tenant, table, rows)
	}
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationUpsert)
	}
	return err
}

func (s *MergeStore) saveEntitiesBatched(ctx *appcontext.Context, tenant string, table string, rows []model.StagedEntity) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, payload, shared, is_deleted, last_updated)
		VALUES ($1, $2, $3, $4, false, now())
		ON CONFLICT (tenant_id, id)
		DO UPDATE SET payload = EXCLUDED.payload, shared = EXCLUDED.shared, is_deleted = false, last_updated = now()`, table)

	batch := &pgx.Batch{}
	for _, row := range rows {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			return errors.WithStack(err)
		}
		batch.Queue(sql, row.ID, tenant, payload, row.Shared)
	}
	return execBatch(ctx, s.db, batch)
}

func (s *MergeStore) saveEntitiesBulk(ctx *appcontext.Context, tenant string, table string, rows []model.StagedEntity) error {
	return pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		// Load into a uniquely named temporary table first, then merge with ON CONFLICT
		// rules. The table is dropped automatically on commit.
		tmpTable := uniqueTableName(table)
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			CREATE TEMPORARY TABLE %s (
				id        text,
				tenant_id text,
				payload   jsonb,
				shared    boolean
			) ON COMMIT DROP;`, tmpTable))
		if err != nil {
			return errors.WithStack(err)
		}

		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{tmpTable},
			[]string{"id", "tenant_id", "payload", "shared"},
			pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
				payload, err := json.Marshal(rows[i].Payload)
				if err != nil {
					return nil, err
				}
				return []interface{}{rows[i].ID, tenant, payload, rows[i].Shared}, nil
			}),
		)
		if err != nil {
			return errors.WithStack(err)
		}
		if n != int64(len(rows)) {
			return errors.Errorf("only %d out of %d rows were inserted", n, len(rows))
		}

		_, err = tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, tenant_id, payload, shared, is_deleted, last_updated)
			SELECT id, tenant_id, payload, shared, false, now() FROM %s
			ON CONFLICT (tenant_id, id)
			DO UPDATE SET payload = EXCLUDED.payload, shared = EXCLUDED.shared, is_deleted = false, last_updated = now();`,
			table, tmpTable))
		return errors.WithStack(err)
	})
}

// DeleteEntities soft-deletes rows by id across all tenants. The rows remain until the
// drain scheduler has propagated the deletion to the index and hard-deletes them.
func (s *MergeStore) DeleteEntities(ctx *appcontext.Context, entity model.EntityType, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET is_deleted = true, last_updated = now() WHERE id = any($1)`, table), ids)
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationDelete)
	}
	return errors.WithStack(err)
}

// DeleteEntitiesForTenant soft-deletes rows by id for one tenant only. Item and holdings
// ids are not globally unique in a consortium without the tenant qualifier.
func (s *MergeStore) DeleteEntitiesForTenant(ctx *appcontext.Context, entity model.EntityType, ids []string, tenant string) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET is_deleted = true, last_updated = now() WHERE tenant_id = $2 AND id = any($1)`, table), ids, tenant)
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationDelete)
	}
	return errors.WithStack(err)
}

// UpdateBoundWith sets the bound flag on an instance's staging row, creating a minimal row
// if the instance has not been staged yet.
func (s *MergeStore) UpdateBoundWith(ctx *appcontext.Context, tenant string, instanceID string, bound bool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO merge_instance (id, tenant_id, payload, bound)
		VALUES ($1, $2, '{}'::jsonb, $3)
		ON CONFLICT (tenant_id, id)
		DO UPDATE SET bound = EXCLUDED.bound, last_updated = now()`,
		instanceID, tenant, bound)
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationUpsert)
	}
	return errors.WithStack(err)
}

// FetchChangedSince returns up to limit rows for the tenant changed after the given
// watermark, ordered by last_updated, together with the greatest last_updated observed.
func (s *MergeStore) FetchChangedSince(
	ctx *appcontext.Context,
	entity model.EntityType,
	tenant string,
	since time.Time,
	limit int,
) (*model.ChangedPage, error) {
	table, err := tableFor(entity)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		SELECT id, tenant_id, payload, shared, is_deleted, last_updated
		FROM %s
		WHERE tenant_id = $1 AND last_updated > $2
		ORDER BY last_updated
		LIMIT $3`, table), tenant, since, limit)
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationFetch)
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	page := &model.ChangedPage{}
	for rows.Next() {
		var row model.StagedRow
		var payload []byte
		if err := rows.Scan(&row.ID, &row.Tenant, &payload, &row.Shared, &row.IsDeleted, &row.LastUpdated); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := json.Unmarshal(payload, &row.Payload); err != nil {
			return nil, errors.WithStack(err)
		}
		if row.LastUpdated.After(page.LastUpdated) {
			page.LastUpdated = row.LastUpdated
		}
		page.Rows = append(page.Rows, row)
	}
	return page, errors.WithStack(rows.Err())
}

// PurgeEntities hard-deletes soft-deleted rows by id across all tenants.
func (s *MergeStore) PurgeEntities(ctx *appcontext.Context, entity model.EntityType, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id = any($1) AND is_deleted`, table), ids)
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationDelete)
	}
	return errors.WithStack(err)
}

// PurgeEntitiesForTenant hard-deletes soft-deleted rows by id for one tenant only.
func (s *MergeStore) PurgeEntitiesForTenant(ctx *appcontext.Context, entity model.EntityType, ids []string, tenant string) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := tableFor(entity)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE tenant_id = $2 AND id = any($1) AND is_deleted`, table), ids, tenant)
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationDelete)
	}
	return errors.WithStack(err)
}

// TenantsWithData returns the tenants that currently have rows staged for the entity type.
func (s *MergeStore) TenantsWithData(ctx *appcontext.Context, entity model.EntityType) ([]string, error) {
	table, err := tableFor(entity)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT DISTINCT tenant_id FROM %s`, table))
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationFetch)
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, errors.WithStack(err)
		}
		tenants = append(tenants, tenant)
	}
	return tenants, errors.WithStack(rows.Err())
}

func uniqueTableName(table string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s_tmp_%s", table, suffix)
}

func execBatch(ctx *appcontext.Context, db *pgxpool.Pool, batch *pgx.Batch) error {
	result := db.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := result.Exec(); err != nil {
			_ = result.Close()
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(result.Close())
}

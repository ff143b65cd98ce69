package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/fhir"
	"github.com/fhird/fhird/internal/platform/db"
	"github.com/fhird/fhird/internal/search"
)

type repoPG struct {
	pool      *pgxpool.Pool
	extractor *search.Extractor
	log       zerolog.Logger
}

func NewRepo(pool *pgxpool.Pool, log zerolog.Logger) Repository {
	return &repoPG{
		pool:      pool,
		extractor: search.NewExtractor(log),
		log:       log.With().Str("component", "store").Logger(),
	}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

const resourceCols = `r.resource_type, r.fhir_id, r.version_id, r.last_updated, r.resource`

func (r *repoPG) Insert(ctx context.Context, resourceType, id string, res map[string]interface{}) (*Stored, error) {
	var st *Stored
	err := r.InTx(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		fhir.StampMeta(res, id, 1, now)
		blob, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode resource: %w", err)
		}

		key := uuid.New().String()
		_, err = r.conn(ctx).Exec(ctx, `
			INSERT INTO resources (storage_key, resource_type, fhir_id, version_id, last_updated, deleted, resource)
			VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
			key, resourceType, id, 1, now, blob)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrConflict, resourceType, id)
		}
		if err != nil {
			return fmt.Errorf("insert resource: %w", err)
		}

		if err := r.appendHistory(ctx, key, 1, "create", now, blob); err != nil {
			return err
		}
		if err := r.replaceIndex(ctx, key, resourceType, id, res); err != nil {
			return err
		}

		st = &Stored{ResourceType: resourceType, FHIRID: id, VersionID: 1, LastUpdated: now, Resource: blob}
		return nil
	})
	return st, err
}

func (r *repoPG) Update(ctx context.Context, resourceType, id string, res map[string]interface{}, expect *int) (*Stored, error) {
	var st *Stored
	err := r.InTx(ctx, func(ctx context.Context) error {
		key, current, _, err := r.lockCurrent(ctx, resourceType, id)
		if err != nil {
			return err
		}
		if expect != nil && *expect != current {
			return fmt.Errorf("%w: expected version %d, current is %d", ErrPreconditionFailed, *expect, current)
		}

		next := current + 1
		now := time.Now().UTC()
		fhir.StampMeta(res, id, next, now)
		blob, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("encode resource: %w", err)
		}

		_, err = r.conn(ctx).Exec(ctx, `
			UPDATE resources SET version_id = $1, last_updated = $2, deleted = FALSE, resource = $3
			WHERE storage_key = $4`,
			next, now, blob, key)
		if err != nil {
			return fmt.Errorf("update resource: %w", err)
		}

		if err := r.appendHistory(ctx, key, next, "update", now, blob); err != nil {
			return err
		}
		if err := r.replaceIndex(ctx, key, resourceType, id, res); err != nil {
			return err
		}

		st = &Stored{ResourceType: resourceType, FHIRID: id, VersionID: next, LastUpdated: now, Resource: blob}
		return nil
	})
	return st, err
}

func (r *repoPG) Delete(ctx context.Context, resourceType, id string) (*Stored, error) {
	var st *Stored
	err := r.InTx(ctx, func(ctx context.Context) error {
		key, current, deleted, err := r.lockCurrent(ctx, resourceType, id)
		if err != nil {
			return err
		}
		if deleted {
			return fmt.Errorf("%w: %s/%s", ErrGone, resourceType, id)
		}

		next := current + 1
		now := time.Now().UTC()
		_, err = r.conn(ctx).Exec(ctx, `
			UPDATE resources SET version_id = $1, last_updated = $2, deleted = TRUE
			WHERE storage_key = $3`,
			next, now, key)
		if err != nil {
			return fmt.Errorf("delete resource: %w", err)
		}

		if err := r.appendHistory(ctx, key, next, "delete", now, nil); err != nil {
			return err
		}
		if err := r.purgeIndex(ctx, key); err != nil {
			return err
		}

		st = &Stored{ResourceType: resourceType, FHIRID: id, VersionID: next, LastUpdated: now}
		return nil
	})
	return st, err
}

// lockCurrent takes the row lock that serializes concurrent writers on one
// resource. Two updates queue here and each sees the version the other left.
func (r *repoPG) lockCurrent(ctx context.Context, resourceType, id string) (key string, version int, deleted bool, err error) {
	err = r.conn(ctx).QueryRow(ctx, `
		SELECT storage_key, version_id, deleted FROM resources
		WHERE resource_type = $1 AND fhir_id = $2 FOR UPDATE`,
		resourceType, id).Scan(&key, &version, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, false, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("lock resource: %w", err)
	}
	return key, version, deleted, nil
}

func (r *repoPG) Get(ctx context.Context, resourceType, id string) (*Stored, error) {
	st := &Stored{ResourceType: resourceType, FHIRID: id}
	var deleted bool
	var blob []byte
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT version_id, last_updated, deleted, resource FROM resources
		WHERE resource_type = $1 AND fhir_id = $2`,
		resourceType, id).Scan(&st.VersionID, &st.LastUpdated, &deleted, &blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	if deleted {
		return nil, fmt.Errorf("%w: %s/%s", ErrGone, resourceType, id)
	}
	st.Resource = blob
	return st, nil
}

func (r *repoPG) GetVersion(ctx context.Context, resourceType, id string, versionID int) (*Stored, string, error) {
	st := &Stored{ResourceType: resourceType, FHIRID: id, VersionID: versionID}
	var operation string
	var blob []byte
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT h.operation, h.transaction_time, h.resource
		FROM resource_history h
		JOIN resources r ON r.storage_key = h.storage_key
		WHERE r.resource_type = $1 AND r.fhir_id = $2 AND h.version_id = $3`,
		resourceType, id, versionID).Scan(&operation, &st.LastUpdated, &blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s/%s version %d", ErrNotFound, resourceType, id, versionID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("read version: %w", err)
	}
	st.Resource = blob
	return st, operation, nil
}

func (r *repoPG) GetMany(ctx context.Context, keys []search.ResourceKey) ([]*Stored, error) {
	byType := make(map[string][]string)
	for _, k := range keys {
		byType[k.Type] = append(byType[k.Type], k.ID)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var out []*Stored
	for _, t := range types {
		rows, err := r.conn(ctx).Query(ctx, `
			SELECT `+resourceCols+` FROM resources r
			WHERE r.resource_type = $1 AND r.fhir_id = ANY($2) AND r.deleted = FALSE
			ORDER BY r.fhir_id`,
			t, byType[t])
		if err != nil {
			return nil, fmt.Errorf("load resources: %w", err)
		}
		batch, err := scanStoredRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (r *repoPG) SearchPage(ctx context.Context, q *search.Query) ([]*Stored, int, error) {
	total, err := r.SearchCount(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, q.SQL, q.Args()...)
	if err != nil {
		return nil, 0, fmt.Errorf("execute search: %w", err)
	}
	matches, err := scanStoredRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return matches, total, nil
}

func (r *repoPG) SearchCount(ctx context.Context, q *search.Query) (int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL, q.CountArgs()...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count search: %w", err)
	}
	return total, nil
}

func scanStoredRows(rows pgx.Rows) ([]*Stored, error) {
	defer rows.Close()
	var out []*Stored
	for rows.Next() {
		st := &Stored{}
		var blob []byte
		if err := rows.Scan(&st.ResourceType, &st.FHIRID, &st.VersionID, &st.LastUpdated, &blob); err != nil {
			return nil, fmt.Errorf("scan resource row: %w", err)
		}
		st.Resource = blob
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resource rows: %w", err)
	}
	return out, nil
}

func (r *repoPG) appendHistory(ctx context.Context, key string, versionID int, operation string, at time.Time, blob []byte) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO resource_history (storage_key, version_id, operation, transaction_time, resource)
		VALUES ($1, $2, $3, $4, $5)`,
		key, versionID, operation, at, blob)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// replaceIndex rewrites the search-param and reference rows for one resource
// inside the caller's transaction, so a failed extraction rolls the whole
// write back.
func (r *repoPG) replaceIndex(ctx context.Context, key, resourceType, id string, res map[string]interface{}) error {
	if err := r.purgeIndex(ctx, key); err != nil {
		return err
	}
	q := r.conn(ctx)

	for _, row := range r.extractor.Extract(resourceType, res) {
		_, err := q.Exec(ctx, `
			INSERT INTO search_params (resource_id, resource_type, param_name, param_type,
				value_string, value_number, value_date, value_token_system, value_token_code, value_reference)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			key, resourceType, row.ParamName, string(row.ParamType),
			row.ValueString, row.ValueNumber, row.ValueDate, row.TokenSystem, row.TokenCode, row.ValueRef)
		if err != nil {
			return fmt.Errorf("index param %s: %w", row.ParamName, err)
		}
	}

	for _, ref := range r.extractor.ExtractReferences(res) {
		_, err := q.Exec(ctx, `
			INSERT INTO "references" (source_id, source_type, target_type, target_id, reference_path, reference_value)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			key, resourceType, ref.TargetType, ref.TargetID, ref.Path, ref.Value)
		if err != nil {
			return fmt.Errorf("index reference %s: %w", ref.Path, err)
		}
	}
	return nil
}

func (r *repoPG) purgeIndex(ctx context.Context, key string) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM search_params WHERE resource_id = $1`, key); err != nil {
		return fmt.Errorf("clear search index: %w", err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM "references" WHERE source_id = $1`, key); err != nil {
		return fmt.Errorf("clear reference index: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

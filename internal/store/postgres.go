package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/wisdom-cli/internal/db"
	"github.com/sells-group/wisdom-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(8)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS dedup_fingerprints (
	fingerprint       TEXT PRIMARY KEY,
	platform          TEXT NOT NULL,
	last_harvested_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dedup_seen (
	fingerprint TEXT NOT NULL REFERENCES dedup_fingerprints(fingerprint),
	external_id TEXT NOT NULL,
	PRIMARY KEY (fingerprint, external_id)
);

CREATE TABLE IF NOT EXISTS stage_records (
	item_key   TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	history    JSONB NOT NULL DEFAULT '[]',
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_items (
	item_key     TEXT PRIMARY KEY,
	platform     TEXT NOT NULL,
	external_id  TEXT NOT NULL,
	payload      JSONB NOT NULL,
	harvested_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS filtered_items (
	item_key    TEXT PRIMARY KEY,
	accepted    BOOLEAN NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	score       DOUBLE PRECISION NOT NULL,
	payload     JSONB NOT NULL,
	filtered_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wisdom_items (
	item_key   TEXT PRIMARY KEY,
	model      TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dedup_fingerprints_platform ON dedup_fingerprints(platform);
CREATE INDEX IF NOT EXISTS idx_stage_records_stage ON stage_records(stage);
CREATE INDEX IF NOT EXISTS idx_raw_items_platform ON raw_items(platform);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Dedup ---

func (s *PostgresStore) LoadDedup(ctx context.Context) ([]model.DedupRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fingerprint, platform, last_harvested_at FROM dedup_fingerprints ORDER BY fingerprint`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load dedup fingerprints")
	}
	var recs []model.DedupRecord
	index := make(map[model.Fingerprint]int)
	for rows.Next() {
		var r model.DedupRecord
		var fp string
		if err := rows.Scan(&fp, &r.Platform, &r.LastHarvestedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan dedup fingerprint")
		}
		r.Fingerprint = model.Fingerprint(fp)
		r.SeenIDs = make(map[string]struct{})
		index[r.Fingerprint] = len(recs)
		recs = append(recs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate dedup fingerprints")
	}

	seen, err := s.pool.Query(ctx, `SELECT fingerprint, external_id FROM dedup_seen`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load dedup seen")
	}
	defer seen.Close()
	for seen.Next() {
		var fp, id string
		if err := seen.Scan(&fp, &id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dedup seen")
		}
		if i, ok := index[model.Fingerprint(fp)]; ok {
			recs[i].SeenIDs[id] = struct{}{}
		}
	}
	return recs, eris.Wrap(seen.Err(), "postgres: iterate dedup seen")
}

func (s *PostgresStore) SaveHarvest(ctx context.Context, rec HarvestRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin harvest tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO dedup_fingerprints (fingerprint, platform, last_harvested_at) VALUES ($1, $2, $3)
		 ON CONFLICT (fingerprint) DO UPDATE SET last_harvested_at = EXCLUDED.last_harvested_at`,
		string(rec.Fingerprint), rec.Platform, rec.HarvestedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert fingerprint %s", rec.Fingerprint)
	}

	rows := make([][]any, len(rec.NewIDs))
	for i, id := range rec.NewIDs {
		rows[i] = []any{string(rec.Fingerprint), id}
	}
	if _, err := db.UpsertTx(ctx, tx, db.UpsertConfig{
		Table:        "dedup_seen",
		Columns:      []string{"fingerprint", "external_id"},
		ConflictKeys: []string{"fingerprint", "external_id"},
		DoNothing:    true,
	}, rows); err != nil {
		return eris.Wrap(err, "postgres: insert seen ids")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit harvest")
}

// --- Stages ---

func (s *PostgresStore) LoadStages(ctx context.Context) ([]model.StageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT item_key, stage, attempts, last_error, history, updated_at FROM stage_records ORDER BY item_key`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load stages")
	}
	defer rows.Close()

	var out []model.StageRecord
	for rows.Next() {
		var r model.StageRecord
		var stage string
		var history []byte
		if err := rows.Scan(&r.ItemKey, &stage, &r.Attempts, &r.LastError, &history, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		r.Stage = model.Stage(stage)
		if err := json.Unmarshal(history, &r.History); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal history for %s", r.ItemKey)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate stages")
}

func (s *PostgresStore) SaveStage(ctx context.Context, rec model.StageRecord) error {
	history, err := json.Marshal(rec.History)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal history")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO stage_records (item_key, stage, attempts, last_error, history, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (item_key) DO UPDATE SET
		   stage = EXCLUDED.stage, attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error,
		   history = EXCLUDED.history, updated_at = EXCLUDED.updated_at`,
		rec.ItemKey, string(rec.Stage), rec.Attempts, rec.LastError, history, rec.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save stage %s", rec.ItemKey)
}

// --- Items ---

func (s *PostgresStore) SaveRaw(ctx context.Context, items []model.RawItem) error {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		payload, err := json.Marshal(it)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal raw %s", it.Key())
		}
		rows = append(rows, []any{it.Key(), it.Platform, it.ExternalID, payload, now})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "raw_items",
		Columns:      []string{"item_key", "platform", "external_id", "payload", "harvested_at"},
		ConflictKeys: []string{"item_key"},
		UpdateCols:   []string{"payload"},
	}, rows)
	return eris.Wrap(err, "postgres: save raw")
}

func (s *PostgresStore) LoadRaw(ctx context.Context, keys []string) ([]model.RawItem, error) {
	var out []model.RawItem
	err := s.loadPayloads(ctx, "raw_items", "harvested_at", keys, func(payload []byte) error {
		var it model.RawItem
		if err := json.Unmarshal(payload, &it); err != nil {
			return err
		}
		out = append(out, it)
		return nil
	})
	return out, err
}

func (s *PostgresStore) SaveFiltered(ctx context.Context, items []model.FilteredItem) error {
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		payload, err := json.Marshal(it)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal filtered %s", it.Key())
		}
		rows = append(rows, []any{it.Key(), it.Decision.Accept, it.Decision.Reason, it.Score, payload, it.FilteredAt.UTC()})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "filtered_items",
		Columns:      []string{"item_key", "accepted", "reason", "score", "payload", "filtered_at"},
		ConflictKeys: []string{"item_key"},
	}, rows)
	return eris.Wrap(err, "postgres: save filtered")
}

func (s *PostgresStore) LoadFiltered(ctx context.Context, keys []string) ([]model.FilteredItem, error) {
	var out []model.FilteredItem
	err := s.loadPayloads(ctx, "filtered_items", "filtered_at", keys, func(payload []byte) error {
		var it model.FilteredItem
		if err := json.Unmarshal(payload, &it); err != nil {
			return err
		}
		out = append(out, it)
		return nil
	})
	return out, err
}

func (s *PostgresStore) SaveWisdom(ctx context.Context, recs []model.WisdomRecord) error {
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		payload, err := json.Marshal(r)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal wisdom %s", r.ItemKey)
		}
		rows = append(rows, []any{r.ItemKey, r.Model, payload, r.CreatedAt.UTC()})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "wisdom_items",
		Columns:      []string{"item_key", "model", "payload", "created_at"},
		ConflictKeys: []string{"item_key"},
		UpdateCols:   []string{"model", "payload"},
	}, rows)
	return eris.Wrap(err, "postgres: save wisdom")
}

func (s *PostgresStore) LoadWisdom(ctx context.Context) ([]model.WisdomRecord, error) {
	var out []model.WisdomRecord
	err := s.loadPayloads(ctx, "wisdom_items", "created_at", nil, func(payload []byte) error {
		var r model.WisdomRecord
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (s *PostgresStore) loadPayloads(ctx context.Context, table, orderCol string, keys []string, fn func([]byte) error) error {
	q := `SELECT payload FROM ` + pgx.Identifier{table}.Sanitize()
	order := ` ORDER BY ` + pgx.Identifier{orderCol}.Sanitize() + `, item_key`

	var (
		rows pgx.Rows
		err  error
	)
	if keys == nil {
		rows, err = s.pool.Query(ctx, q+order)
	} else {
		rows, err = s.pool.Query(ctx, q+` WHERE item_key = ANY($1)`+order, keys)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: query %s", table)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return eris.Wrapf(err, "postgres: scan %s", table)
		}
		if err := fn(payload); err != nil {
			return eris.Wrapf(err, "postgres: decode %s", table)
		}
	}
	return eris.Wrapf(rows.Err(), "postgres: iterate %s", table)
}

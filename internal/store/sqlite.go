package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/wisdom-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Serialize every statement through one connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS dedup_fingerprints (
	fingerprint       TEXT PRIMARY KEY,
	platform          TEXT NOT NULL,
	last_harvested_at DATETIME NOT NULL
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
	history    TEXT NOT NULL DEFAULT '[]',
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_items (
	item_key     TEXT PRIMARY KEY,
	platform     TEXT NOT NULL,
	external_id  TEXT NOT NULL,
	payload      TEXT NOT NULL,
	harvested_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS filtered_items (
	item_key    TEXT PRIMARY KEY,
	accepted    INTEGER NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	score       REAL NOT NULL,
	payload     TEXT NOT NULL,
	filtered_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS wisdom_items (
	item_key   TEXT PRIMARY KEY,
	model      TEXT NOT NULL DEFAULT '',
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dedup_fingerprints_platform ON dedup_fingerprints(platform);
CREATE INDEX IF NOT EXISTS idx_stage_records_stage ON stage_records(stage);
CREATE INDEX IF NOT EXISTS idx_raw_items_platform ON raw_items(platform);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Dedup ---

func (s *SQLiteStore) LoadDedup(ctx context.Context) ([]model.DedupRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, platform, last_harvested_at FROM dedup_fingerprints ORDER BY fingerprint`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load dedup fingerprints")
	}
	defer rows.Close()

	var recs []model.DedupRecord
	index := make(map[model.Fingerprint]int)
	for rows.Next() {
		var r model.DedupRecord
		if err := rows.Scan(&r.Fingerprint, &r.Platform, &r.LastHarvestedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dedup fingerprint")
		}
		r.SeenIDs = make(map[string]struct{})
		index[r.Fingerprint] = len(recs)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate dedup fingerprints")
	}

	seen, err := s.db.QueryContext(ctx, `SELECT fingerprint, external_id FROM dedup_seen`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load dedup seen")
	}
	defer seen.Close()
	for seen.Next() {
		var fp model.Fingerprint
		var id string
		if err := seen.Scan(&fp, &id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dedup seen")
		}
		if i, ok := index[fp]; ok {
			recs[i].SeenIDs[id] = struct{}{}
		}
	}
	return recs, eris.Wrap(seen.Err(), "sqlite: iterate dedup seen")
}

func (s *SQLiteStore) SaveHarvest(ctx context.Context, rec HarvestRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin harvest tx")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dedup_fingerprints (fingerprint, platform, last_harvested_at) VALUES (?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET last_harvested_at = excluded.last_harvested_at`,
		string(rec.Fingerprint), rec.Platform, rec.HarvestedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert fingerprint %s", rec.Fingerprint)
	}

	if len(rec.NewIDs) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO dedup_seen (fingerprint, external_id) VALUES (?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare seen insert")
		}
		defer stmt.Close()
		for _, id := range rec.NewIDs {
			if _, err := stmt.ExecContext(ctx, string(rec.Fingerprint), id); err != nil {
				return eris.Wrapf(err, "sqlite: insert seen id %s", id)
			}
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit harvest")
}

// --- Stages ---

func (s *SQLiteStore) LoadStages(ctx context.Context) ([]model.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_key, stage, attempts, last_error, history, updated_at FROM stage_records ORDER BY item_key`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load stages")
	}
	defer rows.Close()

	var out []model.StageRecord
	for rows.Next() {
		var r model.StageRecord
		var history string
		if err := rows.Scan(&r.ItemKey, &r.Stage, &r.Attempts, &r.LastError, &history, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		if err := json.Unmarshal([]byte(history), &r.History); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal history for %s", r.ItemKey)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate stages")
}

func (s *SQLiteStore) SaveStage(ctx context.Context, rec model.StageRecord) error {
	history, err := json.Marshal(rec.History)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal history")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_records (item_key, stage, attempts, last_error, history, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(item_key) DO UPDATE SET
		   stage = excluded.stage, attempts = excluded.attempts, last_error = excluded.last_error,
		   history = excluded.history, updated_at = excluded.updated_at`,
		rec.ItemKey, string(rec.Stage), rec.Attempts, rec.LastError, string(history), rec.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save stage %s", rec.ItemKey)
}

// --- Items ---

func (s *SQLiteStore) SaveRaw(ctx context.Context, items []model.RawItem) error {
	return s.inTx(ctx, "raw", func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, it := range items {
			payload, err := json.Marshal(it)
			if err != nil {
				return eris.Wrapf(err, "sqlite: marshal raw %s", it.Key())
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO raw_items (item_key, platform, external_id, payload, harvested_at) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT(item_key) DO UPDATE SET payload = excluded.payload`,
				it.Key(), it.Platform, it.ExternalID, string(payload), now,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert raw %s", it.Key())
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadRaw(ctx context.Context, keys []string) ([]model.RawItem, error) {
	var out []model.RawItem
	err := s.loadPayloads(ctx, "raw_items", "harvested_at", keys, func(payload string) error {
		var it model.RawItem
		if err := json.Unmarshal([]byte(payload), &it); err != nil {
			return err
		}
		out = append(out, it)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) SaveFiltered(ctx context.Context, items []model.FilteredItem) error {
	return s.inTx(ctx, "filtered", func(tx *sql.Tx) error {
		for _, it := range items {
			payload, err := json.Marshal(it)
			if err != nil {
				return eris.Wrapf(err, "sqlite: marshal filtered %s", it.Key())
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO filtered_items (item_key, accepted, reason, score, payload, filtered_at) VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT(item_key) DO UPDATE SET
				   accepted = excluded.accepted, reason = excluded.reason, score = excluded.score,
				   payload = excluded.payload, filtered_at = excluded.filtered_at`,
				it.Key(), it.Decision.Accept, it.Decision.Reason, it.Score, string(payload), it.FilteredAt.UTC(),
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert filtered %s", it.Key())
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadFiltered(ctx context.Context, keys []string) ([]model.FilteredItem, error) {
	var out []model.FilteredItem
	err := s.loadPayloads(ctx, "filtered_items", "filtered_at", keys, func(payload string) error {
		var it model.FilteredItem
		if err := json.Unmarshal([]byte(payload), &it); err != nil {
			return err
		}
		out = append(out, it)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) SaveWisdom(ctx context.Context, recs []model.WisdomRecord) error {
	return s.inTx(ctx, "wisdom", func(tx *sql.Tx) error {
		for _, r := range recs {
			payload, err := json.Marshal(r)
			if err != nil {
				return eris.Wrapf(err, "sqlite: marshal wisdom %s", r.ItemKey)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO wisdom_items (item_key, model, payload, created_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT(item_key) DO UPDATE SET model = excluded.model, payload = excluded.payload`,
				r.ItemKey, r.Model, string(payload), r.CreatedAt.UTC(),
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert wisdom %s", r.ItemKey)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) LoadWisdom(ctx context.Context) ([]model.WisdomRecord, error) {
	var out []model.WisdomRecord
	err := s.loadPayloads(ctx, "wisdom_items", "created_at", nil, func(payload string) error {
		var r model.WisdomRecord
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func (s *SQLiteStore) inTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin %s tx", what)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit %s", what)
}

// loadPayloads streams the payload column of table in (orderCol, item_key)
// order, restricted to keys when non-nil.
func (s *SQLiteStore) loadPayloads(ctx context.Context, table, orderCol string, keys []string, fn func(string) error) error {
	base := `SELECT payload FROM ` + table
	order := ` ORDER BY ` + orderCol + `, item_key`

	if keys == nil {
		return s.scanPayloads(ctx, table, base+order, nil, fn)
	}
	for _, part := range chunk(keys, 500) {
		args := make([]any, len(part))
		for i, k := range part {
			args[i] = k
		}
		q := base + ` WHERE item_key IN (?` + strings.Repeat(",?", len(part)-1) + `)` + order
		if err := s.scanPayloads(ctx, table, q, args, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) scanPayloads(ctx context.Context, table, q string, args []any, fn func(string) error) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: query %s", table)
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return eris.Wrapf(err, "sqlite: scan %s", table)
		}
		if err := fn(payload); err != nil {
			return eris.Wrapf(err, "sqlite: decode %s", table)
		}
	}
	return eris.Wrapf(rows.Err(), "sqlite: iterate %s", table)
}

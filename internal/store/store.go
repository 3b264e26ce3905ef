// Package store persists dedup state, stage records, and the raw, filtered
// and wisdom tiers.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/wisdom-cli/internal/model"
)

// HarvestRecord is one completed harvest of a fingerprint. NewIDs holds only
// the ids this fingerprint had not produced before.
type HarvestRecord struct {
	Fingerprint model.Fingerprint
	Platform    string
	HarvestedAt time.Time
	NewIDs      []string
}

// DedupStore persists the deduplication index.
type DedupStore interface {
	LoadDedup(ctx context.Context) ([]model.DedupRecord, error)
	// SaveHarvest must be atomic: either the timestamp and every new id are
	// durable, or nothing is.
	SaveHarvest(ctx context.Context, rec HarvestRecord) error
}

// StageStore persists pipeline stage records.
type StageStore interface {
	LoadStages(ctx context.Context) ([]model.StageRecord, error)
	SaveStage(ctx context.Context, rec model.StageRecord) error
}

// ItemStore persists the item tiers. A nil keys slice loads every row.
type ItemStore interface {
	SaveRaw(ctx context.Context, items []model.RawItem) error
	LoadRaw(ctx context.Context, keys []string) ([]model.RawItem, error)
	SaveFiltered(ctx context.Context, items []model.FilteredItem) error
	LoadFiltered(ctx context.Context, keys []string) ([]model.FilteredItem, error)
	SaveWisdom(ctx context.Context, recs []model.WisdomRecord) error
	LoadWisdom(ctx context.Context) ([]model.WisdomRecord, error)
}

// Store is the full persistence interface.
type Store interface {
	DedupStore
	StageStore
	ItemStore

	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the configured backend and applies the schema.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		st  Store
		err error
	)
	switch driver {
	case "sqlite":
		st, err = NewSQLite(dsn)
	case "postgres":
		st, err = NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func chunk(keys []string, size int) [][]string {
	var out [][]string
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

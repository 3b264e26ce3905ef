// Package dedup remembers which harvesting queries ran and which items they
// produced, so re-running a harvest never emits an item twice.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/resilience"
	"github.com/sells-group/wisdom-cli/internal/store"
)

// Index is the in-memory deduplication state backed by a DedupStore. Memory
// only changes after the store has accepted the update.
type Index struct {
	store store.DedupStore
	now   func() time.Time

	mu        sync.RWMutex
	records   map[model.Fingerprint]*model.DedupRecord
	seen      map[string]map[string]struct{} // platform -> external ids
	fpLocks   map[model.Fingerprint]*sync.Mutex
	platLocks map[string]*sync.Mutex
}

// Open loads the full dedup state from st.
func Open(ctx context.Context, st store.DedupStore) (*Index, error) {
	recs, err := st.LoadDedup(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: load")
	}
	idx := &Index{
		store:     st,
		now:       time.Now,
		records:   make(map[model.Fingerprint]*model.DedupRecord, len(recs)),
		seen:      make(map[string]map[string]struct{}),
		fpLocks:   make(map[model.Fingerprint]*sync.Mutex),
		platLocks: make(map[string]*sync.Mutex),
	}
	seenCount := 0
	for i := range recs {
		r := recs[i]
		if r.SeenIDs == nil {
			r.SeenIDs = make(map[string]struct{})
		}
		idx.records[r.Fingerprint] = &r
		set := idx.platformSet(r.Platform)
		for id := range r.SeenIDs {
			set[id] = struct{}{}
		}
		seenCount += len(r.SeenIDs)
	}
	zap.L().Debug("dedup: index loaded",
		zap.Int("fingerprints", len(idx.records)),
		zap.Int("seen_ids", seenCount),
	)
	return idx, nil
}

// SetClock replaces the time source. Intended for tests.
func (x *Index) SetClock(now func() time.Time) {
	x.now = now
}

// ShouldHarvest reports whether fp is due: never harvested, or last
// harvested at least ttl ago. A ttl <= 0 always harvests.
func (x *Index) ShouldHarvest(fp model.Fingerprint, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	x.mu.RLock()
	rec, ok := x.records[fp]
	var last time.Time
	if ok {
		last = rec.LastHarvestedAt
	}
	x.mu.RUnlock()
	if !ok {
		return true
	}
	return x.now().Sub(last) >= ttl
}

// LastHarvested returns when fp was last recorded.
func (x *Index) LastHarvested(fp model.Fingerprint) (time.Time, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	rec, ok := x.records[fp]
	if !ok {
		return time.Time{}, false
	}
	return rec.LastHarvestedAt, true
}

// Seen reports whether (platform, externalID) has been produced before.
func (x *Index) Seen(platform, externalID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.seen[platform][externalID]
	return ok
}

// FilterNew returns the items not yet seen for platform, in input order.
// Duplicates within items are dropped after their first occurrence.
func (x *Index) FilterNew(platform string, items []model.RawItem) []model.RawItem {
	x.mu.RLock()
	defer x.mu.RUnlock()
	known := x.seen[platform]
	batch := make(map[string]struct{}, len(items))
	out := make([]model.RawItem, 0, len(items))
	for _, it := range items {
		if _, ok := known[it.ExternalID]; ok {
			continue
		}
		if _, ok := batch[it.ExternalID]; ok {
			continue
		}
		batch[it.ExternalID] = struct{}{}
		out = append(out, it)
	}
	return out
}

// RecordHarvest stamps fp as harvested now and adds ids to its seen-set.
// On a persistence failure it returns a DedupPersistenceError and the index
// is left untouched.
func (x *Index) RecordHarvest(ctx context.Context, fp model.Fingerprint, platform string, ids []string) error {
	l := x.fpLock(fp)
	l.Lock()
	defer l.Unlock()
	return x.record(ctx, fp, platform, ids)
}

// CommitNew filters items against everything seen for platform, records the
// harvest of fp with the survivors and returns them. Concurrent commits for
// the same platform are serialized, so an item is returned by at most one
// call.
func (x *Index) CommitNew(ctx context.Context, fp model.Fingerprint, platform string, items []model.RawItem) ([]model.RawItem, error) {
	pl := x.platformLock(platform)
	pl.Lock()
	defer pl.Unlock()
	l := x.fpLock(fp)
	l.Lock()
	defer l.Unlock()

	fresh := x.FilterNew(platform, items)
	ids := make([]string, len(fresh))
	for i, it := range fresh {
		ids[i] = it.ExternalID
	}
	if err := x.record(ctx, fp, platform, ids); err != nil {
		return nil, err
	}
	return fresh, nil
}

// record must be called with fp's lock held.
func (x *Index) record(ctx context.Context, fp model.Fingerprint, platform string, ids []string) error {
	x.mu.RLock()
	var prior map[string]struct{}
	if rec, ok := x.records[fp]; ok {
		prior = rec.SeenIDs
	}
	newIDs := make([]string, 0, len(ids))
	dup := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := prior[id]; ok {
			continue
		}
		if _, ok := dup[id]; ok {
			continue
		}
		dup[id] = struct{}{}
		newIDs = append(newIDs, id)
	}
	x.mu.RUnlock()

	at := x.now().UTC()
	err := x.store.SaveHarvest(ctx, store.HarvestRecord{
		Fingerprint: fp,
		Platform:    platform,
		HarvestedAt: at,
		NewIDs:      newIDs,
	})
	if err != nil {
		return &resilience.DedupPersistenceError{Fingerprint: string(fp), Err: err}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	rec, ok := x.records[fp]
	if !ok {
		rec = &model.DedupRecord{Fingerprint: fp, Platform: platform, SeenIDs: make(map[string]struct{})}
		x.records[fp] = rec
	}
	rec.LastHarvestedAt = at
	set := x.platformSet(platform)
	for _, id := range newIDs {
		rec.SeenIDs[id] = struct{}{}
		set[id] = struct{}{}
	}
	return nil
}

// Stats returns the number of tracked fingerprints and seen ids per platform.
func (x *Index) Stats() (fingerprints int, seen map[string]int) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	seen = make(map[string]int, len(x.seen))
	for p, ids := range x.seen {
		seen[p] = len(ids)
	}
	return len(x.records), seen
}

// platformSet must be called with mu held for writing.
func (x *Index) platformSet(platform string) map[string]struct{} {
	set, ok := x.seen[platform]
	if !ok {
		set = make(map[string]struct{})
		x.seen[platform] = set
	}
	return set
}

func (x *Index) fpLock(fp model.Fingerprint) *sync.Mutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	l, ok := x.fpLocks[fp]
	if !ok {
		l = &sync.Mutex{}
		x.fpLocks[fp] = l
	}
	return l
}

func (x *Index) platformLock(platform string) *sync.Mutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	l, ok := x.platLocks[platform]
	if !ok {
		l = &sync.Mutex{}
		x.platLocks[platform] = l
	}
	return l
}

package bonepile

import (
	"sync"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Index caches the bonepile serial set in memory so per-row membership
// checks during aggregation never touch the database. Merges write through
// the store and refresh the cache; Invalidate forces a reload on next use.
type Index struct {
	logger *logrus.Entry

	mu    sync.RWMutex
	store *Store
	cache sets.Set[string]
}

func NewIndex(store *Store, logger *logrus.Entry) *Index {
	return &Index{store: store, logger: logger}
}

// IsMember reports whether the serial is in the bonepile. A blank serial
// never matches. Load failures are logged and treated as an empty set so
// aggregation degrades to all-fresh rather than failing the query.
func (i *Index) IsMember(sn string) bool {
	if sn == "" {
		return false
	}
	return i.snapshot().Has(sn)
}

// SNSet returns a copy of the cached bonepile set.
func (i *Index) SNSet() sets.Set[string] {
	return i.snapshot().Clone()
}

// Count reports the authoritative bonepile size straight from the store,
// bypassing the cache.
func (i *Index) Count() (int, error) {
	return i.store.Count()
}

// Merge adds serials to the bonepile and refreshes the cache. Returns the
// number of serials newly added.
func (i *Index) Merge(sns []string) (int, error) {
	added, err := i.store.MergeSNs(sns)
	if err != nil {
		return 0, err
	}
	i.Invalidate()
	return added, nil
}

// Invalidate drops the in-memory set so the next lookup reloads from the
// store.
func (i *Index) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cache = nil
}

func (i *Index) snapshot() sets.Set[string] {
	i.mu.RLock()
	cached := i.cache
	i.mu.RUnlock()
	if cached != nil {
		return cached
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cache != nil {
		return i.cache
	}
	loaded, err := i.store.SNSet()
	if err != nil {
		i.logger.WithError(err).Error("Failed to load bonepile serial set; treating as empty.")
		return sets.New[string]()
	}
	i.cache = loaded
	return i.cache
}

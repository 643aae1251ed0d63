package reconcile

import (
	"context"

	"accessguard/pkg/models"
)

// AccessSetStore is the remote store of named address collections. Replace
// overwrites the whole entry list; AddEntries is a set union and must be
// safe to repeat.
type AccessSetStore interface {
	Get(ctx context.Context, name string) (*models.AccessSet, error)
	Replace(ctx context.Context, name string, entries []models.AccessEntry) error
	AddEntries(ctx context.Context, name string, entries []models.AccessEntry) error
}

// addIfAbsent adds address to the named set. The store's union semantics
// make it a no-op when the address is already there.
func addIfAbsent(ctx context.Context, store AccessSetStore, name string, entry models.AccessEntry) error {
	return store.AddEntries(ctx, name, []models.AccessEntry{entry})
}

// removeIfPresent re-reads the named set and, only when address is a member,
// replaces the set with every other entry. It reports whether a replace was
// issued. Concurrent writers between the read and the replace win or lose
// by last write; repeating the call always converges.
func removeIfPresent(ctx context.Context, store AccessSetStore, name, address string) (bool, error) {
	set, err := store.Get(ctx, name)
	if err != nil {
		return false, err
	}
	if !set.Contains(address) {
		return false, nil
	}
	kept := make([]models.AccessEntry, 0, len(set.Entries))
	for _, e := range set.Entries {
		if e.Address != address {
			kept = append(kept, e)
		}
	}
	return true, store.Replace(ctx, name, kept)
}

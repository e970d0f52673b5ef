package querycache

import (
	"github.com/jellydator/ttlcache/v3"
)

// Replays remembers the downstream output of a completed question so a
// repeated question can skip generation entirely. A replay is only served
// while the result it was derived from is still cached.
type Replays[T any] struct {
	results *Cache
	items   *ttlcache.Cache[string, replay[T]]
}

type replay[T any] struct {
	fp    string
	value T
}

func NewReplays[T any](results *Cache) *Replays[T] {
	items := ttlcache.New(
		ttlcache.WithTTL[string, replay[T]](results.cfg.TTL),
		ttlcache.WithCapacity[string, replay[T]](results.cfg.Capacity),
		ttlcache.WithDisableTouchOnHit[string, replay[T]](),
	)
	go items.Start()
	return &Replays[T]{results: results, items: items}
}

// Remember stores value under key, tied to the result fingerprint fp.
func (r *Replays[T]) Remember(key, fp string, value T) {
	r.items.Set(key, replay[T]{fp: fp, value: value}, ttlcache.DefaultTTL)
}

// Get returns the replay for key along with its cached result entry.
func (r *Replays[T]) Get(key string) (T, Entry, bool) {
	var zero T
	item := r.items.Get(key)
	if item == nil {
		return zero, Entry{}, false
	}
	rp := item.Value()
	rec := r.results.entries.Get(rp.fp)
	if rec == nil {
		r.items.Delete(key)
		return zero, Entry{}, false
	}
	entry := rec.Value().touch(r.results.cfg.Clock.Now().UTC())
	return rp.value, entry, true
}

func (r *Replays[T]) Close() {
	r.items.Stop()
}

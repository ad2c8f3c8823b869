package ffmpeg

import (
	"sync"
	"time"

	"github.com/brutella/hc/log"
	"github.com/patrickmn/go-cache"
)

// registry keeps the prepared streams until they are started.
// The cache lock does not cover a get followed by a delete, so take is guarded by mutex.
type registry struct {
	mutex *sync.Mutex
	items *cache.Cache
}

func newRegistry(ttl time.Duration) *registry {
	var items *cache.Cache
	if ttl > 0 {
		items = cache.New(ttl, ttl)
	} else {
		items = cache.New(cache.NoExpiration, 0)
	}

	items.OnEvicted(func(k string, v interface{}) {
		if s, ok := v.(*session); ok && !s.claimed.Load() {
			log.Info.Printf("pending stream %s expired before start", k)
		}
	})

	return &registry{
		mutex: &sync.Mutex{},
		items: items,
	}
}

// put stores s and replaces any previous record with the same id.
func (r *registry) put(s *session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.items.Set(string(s.id), s, cache.DefaultExpiration)
}

// take returns and removes the record of id.
func (r *registry) take(id StreamID) (*session, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	v, found := r.items.Get(string(id))
	if !found {
		return nil, false
	}

	s := v.(*session)
	s.claimed.Store(true)
	r.items.Delete(string(id))

	return s, true
}

func (r *registry) has(id StreamID) bool {
	_, found := r.items.Get(string(id))
	return found
}

func (r *registry) len() int {
	return len(r.items.Items())
}

func (r *registry) sessions() []*session {
	items := r.items.Items()
	all := make([]*session, 0, len(items))
	for _, it := range items {
		all = append(all, it.Object.(*session))
	}

	return all
}

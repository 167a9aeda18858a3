package identity

import (
	"context"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultPendingTTL is how long an unpaired terminal stays listed after its
// last announcement.
const DefaultPendingTTL = 10 * time.Minute

// PendingTerminal is a terminal showing a code that no device carries yet.
type PendingTerminal struct {
	Code     string    `json:"code"`
	LastSeen time.Time `json:"lastSeen"`
}

// Registry tracks codes announced by unpaired terminals. Entries are
// display hints for the admin console; pairing never depends on them.
type Registry interface {
	Announce(ctx context.Context, code string) error
	Pending(ctx context.Context) ([]PendingTerminal, error)
	Remove(ctx context.Context, code string) error
}

// MemoryRegistry keeps pending codes in process memory.
type MemoryRegistry struct {
	c   *cache.Cache
	ttl time.Duration
	now func() time.Time
}

// NewMemoryRegistry creates a registry whose entries expire after ttl.
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &MemoryRegistry{
		c:   cache.New(ttl, 2*ttl),
		ttl: ttl,
		now: time.Now,
	}
}

func (r *MemoryRegistry) Announce(_ context.Context, code string) error {
	r.c.Set(code, r.now(), r.ttl)
	return nil
}

func (r *MemoryRegistry) Pending(_ context.Context) ([]PendingTerminal, error) {
	items := r.c.Items()
	out := make([]PendingTerminal, 0, len(items))
	for code, it := range items {
		seen, _ := it.Object.(time.Time)
		out = append(out, PendingTerminal{Code: code, LastSeen: seen})
	}
	sortPending(out)
	return out, nil
}

func (r *MemoryRegistry) Remove(_ context.Context, code string) error {
	r.c.Delete(code)
	return nil
}

// sortPending orders newest first, then by code.
func sortPending(p []PendingTerminal) {
	sort.Slice(p, func(i, j int) bool {
		if !p[i].LastSeen.Equal(p[j].LastSeen) {
			return p[i].LastSeen.After(p[j].LastSeen)
		}
		return p[i].Code < p[j].Code
	})
}

package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	cacheTTL  = 120 * time.Second
	cacheSize = 200
)

// searchCache memoizes query results until the next write. Entries also
// age out on their own so a quiet gateway never serves stale hits.
type searchCache struct {
	lru *expirable.LRU[string, []Hit]
}

func newSearchCache() *searchCache {
	return &searchCache{
		lru: expirable.NewLRU[string, []Hit](cacheSize, nil, cacheTTL),
	}
}

// cacheKey normalizes the query (lowercase, collapsed whitespace) and
// appends the sorted params so equivalent requests share an entry.
func cacheKey(collection string, p QueryParams) string {
	var b strings.Builder
	b.WriteString(collection)
	b.WriteString("|")
	b.WriteString(normalizeQuery(p.Query))
	fmt.Fprintf(&b, "|limit=%d", p.Limit)

	keys := make([]string, 0, len(p.Where))
	for k := range p.Where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, p.Where[k])
	}
	return b.String()
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func (c *searchCache) get(key string) ([]Hit, bool) {
	return c.lru.Get(key)
}

func (c *searchCache) put(key string, hits []Hit) {
	c.lru.Add(key, hits)
}

// invalidate drops everything. Called on any write so readers never see
// results older than the last mutation.
func (c *searchCache) invalidate() {
	c.lru.Purge()
}

package agent

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/amelia-dev/amelia/internal/log"
)

// Issue is the tracker's view of a work item.
type Issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// Tracker is the external issue source. GetIssue may fail with
// workflow.NotFoundError or a transient network error.
type Tracker interface {
	GetIssue(ctx context.Context, id string) (Issue, error)
}

const (
	issueCacheTTL     = 5 * time.Minute
	issueCacheCleanup = 10 * time.Minute
)

// CachingTracker wraps a Tracker with a TTL cache. Issues rarely change
// mid-workflow; the cache absorbs repeated reads from retries.
type CachingTracker struct {
	inner Tracker
	cache *gocache.Cache
}

// NewCachingTracker wraps inner with a 5 minute issue cache.
func NewCachingTracker(inner Tracker) *CachingTracker {
	return &CachingTracker{
		inner: inner,
		cache: gocache.New(issueCacheTTL, issueCacheCleanup),
	}
}

// GetIssue returns the cached issue when fresh, otherwise fetches and
// caches it. Errors are never cached.
func (t *CachingTracker) GetIssue(ctx context.Context, id string) (Issue, error) {
	if cached, ok := t.cache.Get(id); ok {
		if issue, ok := cached.(Issue); ok {
			log.Debug(log.CatAgent, "issue cache hit", "issue", id)
			return issue, nil
		}
	}

	issue, err := t.inner.GetIssue(ctx, id)
	if err != nil {
		return Issue{}, err
	}
	t.cache.SetDefault(id, issue)
	return issue, nil
}

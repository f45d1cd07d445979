// Package patterns matches messages against a corpus of spam templates by
// token similarity.
package patterns

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/similarity"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultThreshold = 0.5
	reloadKey        = "templates"
)

type templateLoader interface {
	GetEnabledSpamTemplates(ctx context.Context) ([]*db.SpamTemplate, error)
}

type compiledTemplate struct {
	*db.SpamTemplate
	normalized []string
}

// Snapshot is an immutable view of the enabled templates.
type Snapshot struct {
	templates []compiledTemplate
	LoadedAt  time.Time
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.templates)
}

// Cache holds the current template snapshot. Reads never lock; a read past
// the TTL triggers one reload shared by every concurrent caller, and a failed
// reload keeps the previous snapshot in service.
type Cache struct {
	loader   templateLoader
	ttl      time.Duration
	snapshot atomic.Pointer[Snapshot]
	group    singleflight.Group
	loads    atomic.Int64
	now      func() time.Time
}

func NewCache(loader templateLoader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{loader: loader, ttl: ttl, now: time.Now}
}

func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	if s := c.snapshot.Load(); c.fresh(s) {
		return s, nil
	}
	return c.load(ctx, false)
}

// Refresh reloads unconditionally, still coalescing with in-flight reloads.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	return c.load(ctx, true)
}

// Invalidate marks the snapshot stale without dropping it.
func (c *Cache) Invalidate() {
	s := c.snapshot.Load()
	if s == nil {
		return
	}
	stale := *s
	stale.LoadedAt = time.Time{}
	c.snapshot.CompareAndSwap(s, &stale)
}

// Loads reports how many times the backing store was queried.
func (c *Cache) Loads() int64 {
	return c.loads.Load()
}

func (c *Cache) fresh(s *Snapshot) bool {
	return s != nil && !s.LoadedAt.IsZero() && c.now().Sub(s.LoadedAt) < c.ttl
}

func (c *Cache) load(ctx context.Context, force bool) (*Snapshot, error) {
	previous := c.snapshot.Load()
	v, err, _ := c.group.Do(reloadKey, func() (any, error) {
		if current := c.snapshot.Load(); !force && c.fresh(current) {
			return current, nil
		}
		c.loads.Add(1)
		templates, err := c.loader.GetEnabledSpamTemplates(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s := compile(templates, c.now())
		c.snapshot.Store(s)
		return s, nil
	})
	if err != nil {
		if previous != nil {
			c.getLogEntry().
				WithField("method", "load").
				WithField("error", err.Error()).
				Warn("template reload failed, serving stale snapshot")
			return previous, nil
		}
		return nil, err
	}
	return v.(*Snapshot), nil
}

func compile(templates []*db.SpamTemplate, now time.Time) *Snapshot {
	s := &Snapshot{LoadedAt: now, templates: make([]compiledTemplate, 0, len(templates))}
	for _, tpl := range templates {
		if tpl == nil || !tpl.Enabled {
			continue
		}
		ct := compiledTemplate{SpamTemplate: tpl, normalized: make([]string, len(tpl.Patterns))}
		for i, p := range tpl.Patterns {
			ct.normalized[i] = similarity.Normalize(p)
		}
		s.templates = append(s.templates, ct)
	}
	return s
}

func (c *Cache) getLogEntry() *log.Entry {
	return log.WithField("object", "TemplateCache")
}

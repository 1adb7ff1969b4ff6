// Package freshness decides whether recorded outputs are still current by
// comparing existence and modification times.
package freshness

import (
	"fmt"
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/me/stageflow/pkg/model"
)

// DefaultTTL bounds how long a stat result is reused. Shared genome
// references are consulted by every sample, so most lookups hit.
const DefaultTTL = 10 * time.Minute

// Checker stats paths through a cache. It is safe for concurrent use.
type Checker struct {
	cache *gocache.Cache
	stat  func(string) (os.FileInfo, error)
}

// New creates a Checker whose cached stats expire after ttl.
func New(ttl time.Duration) *Checker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Checker{
		cache: gocache.New(ttl, 2*ttl),
		stat:  os.Stat,
	}
}

// Stat returns the marker for path.
func (c *Checker) Stat(path string) model.Marker {
	if v, ok := c.cache.Get(path); ok {
		if m, ok := v.(model.Marker); ok {
			return m
		}
	}
	m := model.Marker{Path: path}
	if fi, err := c.stat(path); err == nil {
		m.Exists = true
		m.ModTime = fi.ModTime()
		m.Size = fi.Size()
	}
	c.cache.SetDefault(path, m)
	return m
}

// Invalidate drops the cached marker for each path. Call it after a path
// was written or deleted.
func (c *Checker) Invalidate(paths ...string) {
	for _, p := range paths {
		c.cache.Delete(p)
	}
}

// Check reports whether every output exists and is not older than any
// existing input. For an output missing on disk, recorded may supply the
// marker stored when it was produced (a deleted transient); that marker is
// compared instead. When the outputs are not current, the reason names the
// first offending path.
func (c *Checker) Check(outputs, inputs []string, recorded func(string) (model.Marker, bool)) (ok bool, reason string) {
	var newestInput model.Marker
	for _, in := range inputs {
		m := c.Stat(in)
		if m.Exists && (!newestInput.Exists || m.ModTime.After(newestInput.ModTime)) {
			newestInput = m
		}
	}
	for _, out := range outputs {
		m := c.Stat(out)
		if !m.Exists && recorded != nil {
			if r, found := recorded(out); found {
				m = r
			}
		}
		if !m.Exists {
			return false, fmt.Sprintf("output %s missing", out)
		}
		if !m.NewerOrEqual(newestInput) {
			return false, fmt.Sprintf("output %s older than input %s", out, newestInput.Path)
		}
	}
	return true, ""
}

package normalize

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pavelanni/respexport/internal/model"
)

// UsageLoader decodes the question usage of an attempt.
type UsageLoader interface {
	LoadUsage(ctx context.Context, usageID int64) (*model.Usage, error)
}

// UsageCache keeps at most one decoded usage resident, keyed by attempt id.
// Attempts are expected in id order, so a mismatch means the previous usage
// is no longer needed.
type UsageCache struct {
	loader UsageLoader
	// ForceGC runs a collection after each release.
	ForceGC bool

	attemptID int64
	usage     *model.Usage
	loads     int
}

func NewUsageCache(loader UsageLoader, forceGC bool) *UsageCache {
	return &UsageCache{loader: loader, ForceGC: forceGC}
}

// Acquire returns the usage of the attempt, loading it unless it is the one
// already resident.
func (c *UsageCache) Acquire(ctx context.Context, a model.Attempt) (*model.Usage, error) {
	if c.usage != nil && c.attemptID == a.ID {
		return c.usage, nil
	}
	c.Release()
	u, err := c.loader.LoadUsage(ctx, a.UsageID)
	if err != nil {
		return nil, fmt.Errorf("load usage of attempt %d: %w", a.ID, err)
	}
	c.loads++
	c.attemptID = a.ID
	c.usage = u
	return u, nil
}

// Release drops the resident usage.
func (c *UsageCache) Release() {
	if c.usage == nil {
		return
	}
	c.usage = nil
	c.attemptID = 0
	if c.ForceGC {
		runtime.GC()
	}
}

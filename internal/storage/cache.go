package storage

import (
	"sync"
)

// launchCache remembers launch ids by run key. A published id never
// changes, so a cached value stays valid until the run is reset.
type launchCache struct {
	m sync.Map
}

func newLaunchCache() *launchCache {
	return &launchCache{}
}

func (c *launchCache) Save(runKey, launchID string) {
	c.m.Store(runKey, launchID)
}

func (c *launchCache) Load(runKey string) (string, bool) {
	val, ok := c.m.Load(runKey)
	if !ok {
		return "", false
	}

	return val.(string), true
}

func (c *launchCache) Delete(runKey string) {
	c.m.Delete(runKey)
}

package sourceextract

import (
	"sync"

	"github.com/distr1/debugindexd/internal/storeadapter"
)

// negativeCache keeps a per-derivation set of source paths that have
// already been searched for and not found this indexation epoch, so a
// popular header that genuinely doesn't exist isn't re-searched for every
// translation unit that references it (§4.C step 3: "keep a per-derivation
// negative cache so unsuccessful probes are not repeated within an
// epoch").
type negativeCache struct {
	mu    sync.Mutex
	misss map[storeadapter.StorePath]map[string]bool
}

func newNegativeCache() *negativeCache {
	return &negativeCache{misss: make(map[storeadapter.StorePath]map[string]bool)}
}

func (c *negativeCache) hit(drv storeadapter.StorePath, want string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misss[drv][want]
}

func (c *negativeCache) mark(drv storeadapter.StorePath, want string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.misss[drv]
	if !ok {
		m = make(map[string]bool)
		c.misss[drv] = m
	}
	m[want] = true
}

// reset clears the cache, called at the start of a new indexation epoch.
func (c *negativeCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misss = make(map[storeadapter.StorePath]map[string]bool)
}

package history

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kx-labs/tracewatch/pkg/model"
)

// AnalysisCache holds completed LLM analyses in process, keyed by the anomaly
// ids they cover. Analyses are never persisted.
type AnalysisCache struct {
	cache *lru.Cache[string, model.Analysis]
}

func NewAnalysisCache(size int) (*AnalysisCache, error) {
	c, err := lru.New[string, model.Analysis](size)
	if err != nil {
		return nil, err
	}
	return &AnalysisCache{cache: c}, nil
}

// CacheAnalysis stores the analysis under every anomaly id it covers.
func (c *AnalysisCache) CacheAnalysis(a model.Analysis) {
	for _, id := range a.AnomalyIDs {
		c.cache.Add(id, a)
	}
}

func (c *AnalysisCache) CachedAnalysis(id string) (model.Analysis, bool) {
	return c.cache.Get(id)
}

// CachedAnalysisForTrace returns any cached analysis covering an anomaly of
// the given trace. Latency anomaly ids start with the trace id.
func (c *AnalysisCache) CachedAnalysisForTrace(traceID string) (model.Analysis, bool) {
	for _, id := range c.cache.Keys() {
		if strings.HasPrefix(id, traceID+"-") {
			if a, ok := c.cache.Get(id); ok {
				return a, true
			}
		}
	}
	return model.Analysis{}, false
}

func (c *AnalysisCache) Len() int {
	return c.cache.Len()
}

// Package registry holds the process-wide TTL registries shared by every
// channel connection: the dedup set and the proactive risk map.
package registry

// Registries is the process-scoped context object passed into the pool and
// every connection. Tests build isolated instances with New.
type Registries struct {
	Dedup Deduper
	Risk  *Risk
}

// New builds registries backed by in-process maps.
func New(dedup DedupConfig, risk RiskConfig) *Registries {
	return &Registries{
		Dedup: NewDedup(dedup),
		Risk:  NewRisk(risk),
	}
}

// Package rule - Dealer/EBC/chain graph lookups.
package rule

// Graph resolves the dealer, EBC and chain-index mappings encoded in a
// deposit's security code. Lookups are keyed by the rule owner (the deposit
// receiver) and the deposit timestamp so a provider can serve historical
// snapshots.
type Graph interface {
	// Dealer resolves a dealer id to its address.
	Dealer(owner string, ts int64, id uint64) (string, bool)
	// Ebc resolves an event-binding-contract id to its address.
	Ebc(owner string, ts int64, id uint64) (string, bool)
	// ChainByIndex resolves a target-chain index to a chain id.
	ChainByIndex(owner string, ts int64, index uint64) (string, bool)
}

// StaticGraph is a Graph backed by fixed maps, built from configuration.
// The production deployment swaps in the live rule-graph collaborator.
type StaticGraph struct {
	Dealers map[uint64]string
	Ebcs    map[uint64]string
	Chains  map[uint64]string
}

// Dealer implements Graph.
func (g *StaticGraph) Dealer(owner string, ts int64, id uint64) (string, bool) {
	addr, ok := g.Dealers[id]
	return addr, ok
}

// Ebc implements Graph.
func (g *StaticGraph) Ebc(owner string, ts int64, id uint64) (string, bool) {
	addr, ok := g.Ebcs[id]
	return addr, ok
}

// ChainByIndex implements Graph.
func (g *StaticGraph) ChainByIndex(owner string, ts int64, index uint64) (string, bool) {
	chainID, ok := g.Chains[index]
	return chainID, ok
}

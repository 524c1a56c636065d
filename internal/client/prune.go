package client

import (
	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/prune"
)

// PruneStates garbage-collects archived states per the strategy.
func (c *Client) PruneStates(strategy prune.Strategy) (prune.Result, error) {
	if c.scope.ephemeral {
		return prune.Result{}, merr.NewEphemeralProhibited("prune")
	}
	p := c.pruner()
	return p.States(strategy)
}

// PruneCache sweeps orphan assets without touching states.
func (c *Client) PruneCache() (int, error) {
	if c.scope.ephemeral {
		return 0, merr.NewEphemeralProhibited("prune")
	}
	return c.pruner().Cache()
}

func (c *Client) pruner() *prune.Pruner {
	return &prune.Pruner{
		Inst:     c.inst,
		StateDB:  c.stateDB,
		MetaDB:   c.installDB,
		LayoutDB: c.layoutDB,
		Assets:   c.assets,
	}
}

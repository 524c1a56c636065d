package client

import (
	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/metamodel"
)

// Remove drops the named packages and their reverse dependencies from the
// selection set, recording the survivors as a new state. Unique assets
// only leave the disk on prune.
func (c *Client) Remove(names []string) (*metamodel.State, error) {
	if c.scope.ephemeral {
		return nil, merr.NewEphemeralProhibited("remove")
	}

	active, err := c.activeState()
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, merr.NewStateDoesntExist(0)
	}

	input, err := c.ResolveInput(names)
	if err != nil {
		return nil, err
	}

	tx, err := c.newTransaction()
	if err != nil {
		return nil, err
	}
	tx.Remove(input)

	surviving := make(map[metamodel.ID]struct{})
	for _, id := range tx.Finalize() {
		surviving[id] = struct{}{}
	}

	// Preserve the previous state's ordering and explicit flags.
	var selections []metamodel.Selection
	for _, sel := range active.Selections {
		if _, ok := surviving[sel.PackageID]; ok {
			selections = append(selections, sel)
		}
	}

	return c.NewState(selections, "Remove")
}

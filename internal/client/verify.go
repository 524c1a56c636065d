package client

import (
	"fmt"
	"io"
	"os"

	"github.com/aerynos/moss/internal/digest"
	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/metamodel"
)

// VerifyIssue is one problem a verify walk found.
type VerifyIssue struct {
	StateID   int64
	PackageID metamodel.ID
	Path      string
	Problem   string
}

func (v VerifyIssue) String() string {
	return fmt.Sprintf("state %d package %s: %s (%s)", v.StateID, v.PackageID, v.Problem, v.Path)
}

// Verify walks every state's reachable Regular records and checks that the
// referenced asset exists and hashes to its recorded digest. Missing Meta
// or Layout rows for a selected package are also reported.
func (c *Client) Verify() ([]VerifyIssue, error) {
	if c.scope.ephemeral {
		return nil, merr.NewEphemeralProhibited("verify")
	}

	states, err := c.stateDB.All()
	if err != nil {
		return nil, err
	}

	var issues []VerifyIssue
	// Hash each unique asset once even when many records across states
	// reference it.
	checked := make(map[digest.Digest]bool)

	for _, state := range states {
		for _, sel := range state.Selections {
			if _, found, err := c.installDB.Get(sel.PackageID); err != nil {
				return nil, err
			} else if !found {
				issues = append(issues, VerifyIssue{
					StateID:   state.ID,
					PackageID: sel.PackageID,
					Problem:   "missing metadata row",
				})
				continue
			}

			layouts, err := c.layoutDB.QueryOwned([]metamodel.ID{sel.PackageID})
			if err != nil {
				return nil, err
			}
			if len(layouts) == 0 {
				issues = append(issues, VerifyIssue{
					StateID:   state.ID,
					PackageID: sel.PackageID,
					Problem:   "missing layout rows",
				})
				continue
			}

			for _, l := range layouts {
				if l.Layout.File.Kind != metamodel.FileRegular {
					continue
				}
				d := l.Layout.File.Digest
				if d.IsEmpty() {
					continue
				}
				ok, seen := checked[d]
				if !seen {
					ok = c.assetMatches(d)
					checked[d] = ok
				}
				if !ok {
					issues = append(issues, VerifyIssue{
						StateID:   state.ID,
						PackageID: sel.PackageID,
						Path:      l.Layout.File.TargetPath,
						Problem:   "asset missing or corrupt: " + d.String(),
					})
				}
			}
		}
	}
	return issues, nil
}

// assetMatches rehashes the asset file for d and compares.
func (c *Client) assetMatches(d digest.Digest) bool {
	f, err := os.Open(c.assets.AssetPath(d))
	if err != nil {
		return false
	}
	defer f.Close()

	h := digest.NewHasher()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return h.Sum128() == d
}

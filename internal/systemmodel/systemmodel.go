// Package systemmodel loads, merges, and encodes the declarative
// system-model.kdl surface: the configured repositories and the explicit
// package set a sync resolves against.
package systemmodel

import (
	"fmt"
	"os"
	"sort"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"

	"github.com/aerynos/moss/internal/metamodel"
)

// Repository is one configured package source.
type Repository struct {
	ID          string
	Description string
	URI         string
	Priority    int64
	Enabled     bool
}

// PackageEntry is one declared package with an optional reason.
type PackageEntry struct {
	Provider metamodel.Provider
	Why      string
}

// Model is a decoded system-model document.
type Model struct {
	Repositories []Repository
	Packages     []PackageEntry

	// DisableWarning suppresses the one user-visible warning emitted when
	// syncing against a hand-edited model.
	DisableWarning bool
}

// Load reads and decodes the model at path. A missing file yields
// (nil, nil).
func Load(path string) (*Model, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("systemmodel: read %s: %w", path, err)
	}
	return Decode(string(content))
}

// Decode parses a system-model document.
func Decode(content string) (*Model, error) {
	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("systemmodel: parse: %w", err)
	}

	m := &Model{}
	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "disable_warning":
			if b, ok := firstBoolArg(n); ok {
				m.DisableWarning = b
			}
		case "repositories":
			for _, rn := range n.Children {
				repo, err := decodeRepository(rn)
				if err != nil {
					return nil, err
				}
				m.Repositories = append(m.Repositories, repo)
			}
		case "packages":
			for _, pn := range n.Children {
				provider, err := metamodel.ParseProvider(nodeName(pn))
				if err != nil {
					return nil, fmt.Errorf("systemmodel: package node: %w", err)
				}
				entry := PackageEntry{Provider: provider}
				for _, cn := range pn.Children {
					if nodeName(cn) == "why" {
						entry.Why, _ = firstStringArg(cn)
					}
				}
				m.Packages = append(m.Packages, entry)
			}
		}
	}
	return m, nil
}

func decodeRepository(n *document.Node) (Repository, error) {
	repo := Repository{ID: nodeName(n), Enabled: true}
	if repo.ID == "" {
		return Repository{}, fmt.Errorf("systemmodel: repository node without a name")
	}
	seenPriority := false
	for _, cn := range n.Children {
		switch nodeName(cn) {
		case "description":
			repo.Description, _ = firstStringArg(cn)
		case "uri":
			repo.URI, _ = firstStringArg(cn)
		case "priority":
			if v, ok := firstIntArg(cn); ok {
				repo.Priority = int64(v)
				seenPriority = true
			}
		case "enabled":
			if b, ok := firstBoolArg(cn); ok {
				repo.Enabled = b
			}
		}
	}
	if repo.URI == "" {
		return Repository{}, fmt.Errorf("systemmodel: repository %s: missing uri", repo.ID)
	}
	if !seenPriority {
		return Repository{}, fmt.Errorf("systemmodel: repository %s: missing priority", repo.ID)
	}
	return repo, nil
}

// Encode renders the model canonically: repositories first, then packages,
// package node names in provider-canonical form.
func Encode(m *Model) string {
	var sb strings.Builder

	sb.WriteString("repositories {\n")
	repos := append([]Repository(nil), m.Repositories...)
	sort.Slice(repos, func(i, j int) bool { return repos[i].ID < repos[j].ID })
	for _, repo := range repos {
		fmt.Fprintf(&sb, "    %s {\n", repo.ID)
		if repo.Description != "" {
			fmt.Fprintf(&sb, "        description %q\n", repo.Description)
		}
		fmt.Fprintf(&sb, "        uri %q\n", repo.URI)
		fmt.Fprintf(&sb, "        priority %d\n", repo.Priority)
		if !repo.Enabled {
			sb.WriteString("        enabled false\n")
		}
		sb.WriteString("    }\n")
	}
	sb.WriteString("}\n")

	sb.WriteString("packages {\n")
	pkgs := append([]PackageEntry(nil), m.Packages...)
	sort.Slice(pkgs, func(i, j int) bool {
		return pkgs[i].Provider.String() < pkgs[j].Provider.String()
	})
	for _, pkg := range pkgs {
		name := nodeIdent(pkg.Provider.String())
		if pkg.Why != "" {
			fmt.Fprintf(&sb, "    %s {\n        why %q\n    }\n", name, pkg.Why)
		} else {
			fmt.Fprintf(&sb, "    %s\n", name)
		}
	}
	sb.WriteString("}\n")

	return sb.String()
}

// Create builds a fresh model from active repositories and an explicit
// provider set.
func Create(repos []Repository, providers []metamodel.Provider) *Model {
	m := &Model{Repositories: repos}
	for _, p := range providers {
		m.Packages = append(m.Packages, PackageEntry{Provider: p})
	}
	return m
}

// Merge folds the post-transaction explicit provider set and the active
// repositories into an existing model, preserving recorded reasons for
// providers that survive.
func Merge(m *Model, repos []Repository, providers []metamodel.Provider) *Model {
	out := &Model{
		Repositories:   repos,
		DisableWarning: false,
	}
	if m != nil {
		out.DisableWarning = m.DisableWarning
	}

	reasons := make(map[string]string)
	if m != nil {
		for _, entry := range m.Packages {
			if entry.Why != "" {
				reasons[entry.Provider.String()] = entry.Why
			}
		}
	}
	for _, p := range providers {
		out.Packages = append(out.Packages, PackageEntry{
			Provider: p,
			Why:      reasons[p.String()],
		})
	}
	return out
}

// nodeIdent quotes a node name when it isn't a bare KDL identifier, e.g.
// the kind(name) canonical form of a non-package-name provider.
func nodeIdent(name string) string {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '+':
		default:
			return fmt.Sprintf("%q", name)
		}
	}
	return name
}

// ExplicitProviders returns the model's declared package set.
func (m *Model) ExplicitProviders() []metamodel.Provider {
	out := make([]metamodel.Provider, len(m.Packages))
	for i, entry := range m.Packages {
		out[i] = entry.Provider
	}
	return out
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}

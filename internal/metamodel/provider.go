// Package metamodel holds the package/provider/selection value types shared
// by the meta, layout, and state databases.
package metamodel

import (
	"fmt"
	"strings"
)

// ProviderKind enumerates the capability kinds a package can advertise or
// require
type ProviderKind string

const (
	PackageName   ProviderKind = "PackageName"
	SharedLibrary ProviderKind = "SharedLibrary"
	PkgConfig     ProviderKind = "PkgConfig"
	PkgConfig32   ProviderKind = "PkgConfig32"
	Binary        ProviderKind = "Binary"
	SystemBinary  ProviderKind = "SystemBinary"
	CMake         ProviderKind = "CMake"
	Python        ProviderKind = "Python"
	Interpreter   ProviderKind = "Interpreter"
)

// Provider is a (kind, name) capability pair, printed canonically as `name`
// when kind is PackageName and as `kind(name)` otherwise.
type Provider struct {
	Kind ProviderKind
	Name string
}

// String renders the canonical textual form.
func (p Provider) String() string {
	if p.Kind == PackageName || p.Kind == "" {
		return p.Name
	}
	return fmt.Sprintf("%s(%s)", p.Kind, p.Name)
}

// ParseProvider parses the canonical textual form produced by String.
func ParseProvider(s string) (Provider, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Provider{}, fmt.Errorf("metamodel: empty provider string")
	}
	open := strings.IndexByte(s, '(')
	if open == -1 {
		return Provider{Kind: PackageName, Name: s}, nil
	}
	if !strings.HasSuffix(s, ")") {
		return Provider{}, fmt.Errorf("metamodel: malformed provider %q", s)
	}
	kind := ProviderKind(s[:open])
	name := s[open+1 : len(s)-1]
	if name == "" {
		return Provider{}, fmt.Errorf("metamodel: malformed provider %q", s)
	}
	return Provider{Kind: kind, Name: name}, nil
}

// Less implements the deterministic ordering used when a provider set is
// serialized or iterated (name, then kind, both ascending).
func (p Provider) Less(o Provider) bool {
	if p.Name != o.Name {
		return p.Name < o.Name
	}
	return p.Kind < o.Kind
}

// Package trigger matches layout paths against declared trigger patterns,
// batches the compiled handlers by their dependency order, and executes
// them, sandboxed when the scope requires it.
//
// Trigger files live at usr/share/moss/triggers/tx.d/*.kdl (transaction
// scope) and usr/share/moss/triggers/sys.d/*.kdl (system scope).
package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// HandlerKind distinguishes the two handler variants.
type HandlerKind int

const (
	HandlerRun HandlerKind = iota
	HandlerDelete
)

// Handler is one named action a trigger can bind to a path pattern.
type Handler struct {
	Kind HandlerKind

	// Run/Args describe the command for HandlerRun. Both may contain
	// $(group) placeholders substituted from pattern captures.
	Run  string
	Args []string

	// Paths lists the deletion targets for HandlerDelete.
	Paths []string
}

// PathDef binds a pattern to the handlers it fires.
type PathDef struct {
	Pattern  string
	Handlers []string
}

// Trigger is one declared trigger file.
type Trigger struct {
	Name        string
	Description string
	Before      string
	After       string
	Paths       []PathDef
	Handlers    map[string]Handler
}

// ParseTrigger decodes one trigger document.
//
// The surface mirrors the repository/packages KDL style:
//
//	trigger "ldconfig" {
//	    description "Rebuild dynamic linker cache"
//	    after "depmod"
//	    paths "/usr/lib/lib*.so*" {
//	        handler "ldconfig"
//	    }
//	    handlers {
//	        ldconfig {
//	            run "/usr/sbin/ldconfig"
//	        }
//	    }
//	}
func ParseTrigger(content string) (Trigger, error) {
	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return Trigger{}, fmt.Errorf("trigger: parse: %w", err)
	}

	var t Trigger
	t.Handlers = make(map[string]Handler)

	root := findNode(doc.Nodes, "trigger")
	if root == nil {
		return Trigger{}, fmt.Errorf("trigger: missing top-level trigger node")
	}
	name, ok := firstStringArg(root)
	if !ok || name == "" {
		return Trigger{}, fmt.Errorf("trigger: trigger node needs a name argument")
	}
	t.Name = name

	for _, n := range root.Children {
		switch nodeName(n) {
		case "description":
			t.Description, _ = firstStringArg(n)
		case "before":
			t.Before, _ = firstStringArg(n)
		case "after":
			t.After, _ = firstStringArg(n)
		case "paths":
			def := PathDef{}
			def.Pattern, _ = firstStringArg(n)
			for _, c := range n.Children {
				if nodeName(c) == "handler" {
					if h, ok := firstStringArg(c); ok {
						def.Handlers = append(def.Handlers, h)
					}
				}
			}
			if def.Pattern == "" || len(def.Handlers) == 0 {
				return Trigger{}, fmt.Errorf("trigger %s: paths node needs a pattern and at least one handler", t.Name)
			}
			t.Paths = append(t.Paths, def)
		case "handlers":
			for _, hn := range n.Children {
				h, err := parseHandler(hn)
				if err != nil {
					return Trigger{}, fmt.Errorf("trigger %s: %w", t.Name, err)
				}
				t.Handlers[nodeName(hn)] = h
			}
		}
	}

	for _, def := range t.Paths {
		for _, name := range def.Handlers {
			if _, ok := t.Handlers[name]; !ok {
				return Trigger{}, fmt.Errorf("trigger %s: missing handler reference %q", t.Name, name)
			}
		}
	}

	return t, nil
}

func parseHandler(n *document.Node) (Handler, error) {
	var h Handler
	for _, c := range n.Children {
		switch nodeName(c) {
		case "run":
			h.Kind = HandlerRun
			args := collectStringArgs(c)
			if len(args) > 0 {
				h.Run = args[0]
				h.Args = append(h.Args, args[1:]...)
			}
		case "args":
			h.Args = append(h.Args, collectStringArgs(c)...)
		case "delete":
			h.Kind = HandlerDelete
			h.Paths = append(h.Paths, collectStringArgs(c)...)
		}
	}
	if h.Kind == HandlerRun && h.Run == "" {
		return Handler{}, fmt.Errorf("handler %s: run command missing", nodeName(n))
	}
	return h, nil
}

// LoadDir parses every *.kdl trigger file in dir, sorted by name. A missing
// directory yields no triggers.
func LoadDir(dir string) ([]Trigger, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("trigger: read %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".kdl") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var out []Trigger
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("trigger: read %s: %w", name, err)
		}
		t, err := ParseTrigger(string(content))
		if err != nil {
			return nil, fmt.Errorf("trigger: %s: %w", name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func findNode(nodes []*document.Node, name string) *document.Node {
	for _, n := range nodes {
		if nodeName(n) == name {
			return n
		}
	}
	return nil
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

func collectStringArgs(n *document.Node) []string {
	out := make([]string, 0, len(n.Arguments))
	for _, a := range n.Arguments {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

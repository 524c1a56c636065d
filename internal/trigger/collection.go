package trigger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aerynos/moss/internal/dag"
)

// CompiledHandler is a handler with its pattern captures substituted,
// ready to execute.
type CompiledHandler struct {
	TriggerName string
	Handler     Handler
}

// key is used to dedupe identical compiled handlers within a trigger: a
// pattern matching many paths with no captures must fire once.
func (c CompiledHandler) key() string {
	return strings.Join(append([]string{c.Handler.Run}, c.Handler.Args...), "\x00") +
		"\x01" + strings.Join(c.Handler.Paths, "\x00")
}

// Collection ingests declared triggers, matches every target path against
// their patterns, and bakes the hits into dependency-ordered stages.
type Collection struct {
	triggers map[string]Trigger
	matchers []matcher
	hits     map[string]map[string]CompiledHandler
}

type matcher struct {
	triggerName string
	pattern     *Pattern
	handler     Handler
}

// NewCollection compiles the given triggers' patterns.
func NewCollection(triggers []Trigger) (*Collection, error) {
	c := &Collection{
		triggers: make(map[string]Trigger, len(triggers)),
		hits:     make(map[string]map[string]CompiledHandler),
	}
	for _, t := range triggers {
		c.triggers[t.Name] = t
		for _, def := range t.Paths {
			p, err := CompilePattern(def.Pattern)
			if err != nil {
				return nil, fmt.Errorf("trigger %s: %w", t.Name, err)
			}
			for _, handlerName := range def.Handlers {
				c.matchers = append(c.matchers, matcher{
					triggerName: t.Name,
					pattern:     p,
					handler:     t.Handlers[handlerName],
				})
			}
		}
	}
	return c, nil
}

// ProcessPaths records a hit for every path/pattern match, compiling the
// handler with the match's captures.
func (c *Collection) ProcessPaths(paths []string) {
	for _, path := range paths {
		for _, m := range c.matchers {
			captures, ok := m.pattern.Match(path)
			if !ok {
				continue
			}
			compiled := CompiledHandler{
				TriggerName: m.triggerName,
				Handler:     substitute(m.handler, captures),
			}
			bucket, ok := c.hits[m.triggerName]
			if !ok {
				bucket = make(map[string]CompiledHandler)
				c.hits[m.triggerName] = bucket
			}
			bucket[compiled.key()] = compiled
		}
	}
}

// BakeInStages orders the hit triggers by their before/after relations and
// returns stages of compiled handlers; handlers within one stage may
// execute concurrently.
func (c *Collection) BakeInStages() ([][]CompiledHandler, error) {
	g := dag.New()
	for name := range c.hits {
		g.AddNode(name)
	}
	for name := range c.hits {
		t := c.triggers[name]
		if t.Before != "" {
			if _, hit := c.hits[t.Before]; hit {
				g.AddNode(t.Before)
				g.AddEdge(name, t.Before)
			}
		}
		if t.After != "" {
			if _, hit := c.hits[t.After]; hit {
				g.AddNode(t.After)
				g.AddEdge(t.After, name)
			}
		}
	}

	var stages [][]CompiledHandler
	for _, batch := range g.BatchedTopo() {
		var stage []CompiledHandler
		for _, name := range batch {
			bucket := c.hits[name]
			keys := make([]string, 0, len(bucket))
			for k := range bucket {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				stage = append(stage, bucket[k])
			}
		}
		if len(stage) > 0 {
			stages = append(stages, stage)
		}
	}
	return stages, nil
}

// substitute replaces $(group) placeholders in the handler's command, args
// and delete paths with captured values.
func substitute(h Handler, captures map[string]string) Handler {
	if len(captures) == 0 {
		return h
	}
	out := h
	out.Run = substituteString(h.Run, captures)
	out.Args = make([]string, len(h.Args))
	for i, a := range h.Args {
		out.Args[i] = substituteString(a, captures)
	}
	out.Paths = make([]string, len(h.Paths))
	for i, p := range h.Paths {
		out.Paths[i] = substituteString(p, captures)
	}
	return out
}

func substituteString(s string, captures map[string]string) string {
	for name, value := range captures {
		s = strings.ReplaceAll(s, "$("+name+")", value)
	}
	return s
}

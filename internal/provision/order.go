package provision

import (
	"fmt"
	"sort"
)

// TableGraph is a declared dependency graph of tables: an edge from A
// to B means A has a foreign key into B, so B must be copied first.
type TableGraph struct {
	tables map[string]struct{}
	deps   map[string]map[string]struct{}
}

func NewTableGraph() *TableGraph {
	return &TableGraph{
		tables: make(map[string]struct{}),
		deps:   make(map[string]map[string]struct{}),
	}
}

// AddTable registers a table with no dependencies yet.
func (g *TableGraph) AddTable(name string) {
	g.tables[name] = struct{}{}
}

// AddDependency records that table references referenced. Self
// references do not constrain copy order and are dropped.
func (g *TableGraph) AddDependency(table, referenced string) {
	g.AddTable(table)
	g.AddTable(referenced)
	if table == referenced {
		return
	}
	if g.deps[table] == nil {
		g.deps[table] = make(map[string]struct{})
	}
	g.deps[table][referenced] = struct{}{}
}

// Sorted returns every table in dependency order: a table appears only
// after everything it references. Ties break alphabetically so the
// order is deterministic. A cycle is an error.
func (g *TableGraph) Sorted() ([]string, error) {
	indegree := make(map[string]int, len(g.tables))
	dependents := make(map[string][]string)
	for t := range g.tables {
		indegree[t] = 0
	}
	for table, refs := range g.deps {
		for ref := range refs {
			indegree[table]++
			dependents[ref] = append(dependents[ref], table)
		}
	}

	var ready []string
	for t, d := range indegree {
		if d == 0 {
			ready = append(ready, t)
		}
	}
	sort.Strings(ready)

	out := make([]string, 0, len(g.tables))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		out = append(out, next)

		var unblocked []string
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		if len(unblocked) > 0 {
			ready = append(ready, unblocked...)
			sort.Strings(ready)
		}
	}

	if len(out) != len(g.tables) {
		remaining := make([]string, 0)
		for t, d := range indegree {
			if d > 0 {
				remaining = append(remaining, t)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("foreign key cycle involving tables %v", remaining)
	}
	return out, nil
}

// applyOverride places the caller-supplied tables first, verbatim,
// then appends every remaining table in dependency order. Override
// entries naming unknown tables are ignored.
func applyOverride(sorted, override []string) []string {
	if len(override) == 0 {
		return sorted
	}
	known := make(map[string]struct{}, len(sorted))
	for _, t := range sorted {
		known[t] = struct{}{}
	}

	out := make([]string, 0, len(sorted))
	taken := make(map[string]struct{}, len(override))
	for _, t := range override {
		if _, ok := known[t]; !ok {
			continue
		}
		if _, dup := taken[t]; dup {
			continue
		}
		taken[t] = struct{}{}
		out = append(out, t)
	}
	for _, t := range sorted {
		if _, ok := taken[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

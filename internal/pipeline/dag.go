package pipeline

import (
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/storyflowhq/storyflow/internal/config"
)

// waves groups the named stages into execution waves using their depends_on
// edges. Stages in the same wave have no path between them and may run
// concurrently; wave k+1 starts only after every stage in wave k finished.
// Dependencies on stages outside the set are ignored (a smaller layer may
// run `lint` without `develop`).
func waves(names []string, cfg *config.Config) ([][]string, error) {
	inSet := make(map[string]bool, len(names))
	for _, n := range names {
		if inSet[n] {
			return nil, fmt.Errorf("stage %q listed twice in layer", n)
		}
		inSet[n] = true
	}

	// Cycle detection via topological sort; the sorted order itself is not
	// used because waves are computed from dependency depth below.
	var edges []toposort.Edge
	for _, n := range names {
		deps := inSetDeps(cfg.Stages[n].DependsOn, inSet)
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, n})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, n})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return nil, fmt.Errorf("stage dependencies contain a cycle: %w", err)
	}

	depth := make(map[string]int, len(names))
	var depthOf func(n string) int
	depthOf = func(n string) int {
		if d, ok := depth[n]; ok {
			return d
		}
		d := 0
		for _, dep := range inSetDeps(cfg.Stages[n].DependsOn, inSet) {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[n] = d
		return d
	}

	maxDepth := 0
	for _, n := range names {
		if d := depthOf(n); d > maxDepth {
			maxDepth = d
		}
	}

	result := make([][]string, maxDepth+1)
	for _, n := range names { // original layer order preserved within a wave
		result[depth[n]] = append(result[depth[n]], n)
	}
	return result, nil
}

func inSetDeps(deps []string, inSet map[string]bool) []string {
	var out []string
	for _, d := range deps {
		if inSet[d] {
			out = append(out, d)
		}
	}
	return out
}

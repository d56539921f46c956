package tools

import (
	"context"
	"fmt"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// PipelineValidationRunner checks that a pipeline's node/edge graph is
// internally consistent: every edge references a node that exists, and
// the graph has no cycles.
type PipelineValidationRunner struct{}

func (PipelineValidationRunner) Run(ctx context.Context, input RunInput, report ProgressFunc) (RunOutput, error) {
	if input.Pipeline == nil {
		return RunOutput{}, fmt.Errorf("tools: pipeline_validation requires a pipeline definition")
	}
	p := input.Pipeline

	nodeIDs := make(map[string]struct{}, len(p.Nodes))
	for _, n := range p.Nodes {
		nodeIDs[n.ID] = struct{}{}
	}

	var errs []string
	adjacency := make(map[string][]string, len(p.Nodes))
	for _, e := range p.Edges {
		if _, ok := nodeIDs[e.From]; !ok {
			errs = append(errs, fmt.Sprintf("edge references unknown node %q", e.From))
			continue
		}
		if _, ok := nodeIDs[e.To]; !ok {
			errs = append(errs, fmt.Sprintf("edge references unknown node %q", e.To))
			continue
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	if cyclePath, ok := findCycle(adjacency); ok {
		errs = append(errs, fmt.Sprintf("cycle detected: %v", cyclePath))
	}

	if report != nil {
		report(apis.ProgressUpdate{Stage: "validating"})
	}

	return RunOutput{
		ResultsJSON: map[string]any{
			"valid":       len(errs) == 0,
			"node_count":  len(p.Nodes),
			"edge_count":  len(p.Edges),
			"errors":      errs,
			"pipeline_guid": p.GUID,
			"version":     p.Version,
		},
	}, nil
}

// findCycle runs a standard white/gray/black DFS cycle detection and
// returns the path of the first cycle found, if any.
func findCycle(adjacency map[string][]string) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var path []string

	var visit func(node string) ([]string, bool)
	visit = func(node string) ([]string, bool) {
		color[node] = gray
		path = append(path, node)
		for _, next := range adjacency[node] {
			switch color[next] {
			case gray:
				return append(append([]string{}, path...), next), true
			case white:
				if cyc, found := visit(next); found {
					return cyc, true
				}
			}
		}
		path = path[:len(path)-1]
		color[node] = black
		return nil, false
	}

	for node := range adjacency {
		if color[node] == white {
			if cyc, found := visit(node); found {
				return cyc, true
			}
		}
	}
	return nil, false
}

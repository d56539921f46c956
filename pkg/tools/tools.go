// Package tools implements the uniform analysis-tool interface the
// executor dispatches to: photostats counts files by extension,
// photo_pairing matches RAW to sidecar by filename stem, and
// pipeline_validation walks a node/edge graph.
package tools

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// RunInput is everything a Runner needs to analyze one collection
// snapshot.
type RunInput struct {
	Tool           apis.Tool
	Mode           string
	CollectionGUID string
	Files          []apis.FileInfo
	Config         apis.TeamConfig
	Pipeline       *apis.PipelineDefinition
}

// RunOutput is a tool's analysis result, prior to attestation.
type RunOutput struct {
	ResultsJSON map[string]any
	ReportHTML  string
}

// ProgressFunc lets a Runner emit throttled progress updates via the
// caller's progress.Reporter.
type ProgressFunc func(apis.ProgressUpdate)

// Runner is the uniform tool interface every analysis tool implements.
type Runner interface {
	Run(ctx context.Context, input RunInput, report ProgressFunc) (RunOutput, error)
}

// Registry maps a Tool to its Runner.
type Registry map[apis.Tool]Runner

// DefaultRegistry returns the built-in tools bundled with the agent.
func DefaultRegistry() Registry {
	return Registry{
		apis.ToolPhotostats:         PhotostatsRunner{},
		apis.ToolPhotoPairing:       PhotoPairingRunner{},
		apis.ToolPipelineValidation: PipelineValidationRunner{},
		apis.ToolInventoryImport:    InventoryImportRunner{},
		apis.ToolCollectionTest:     CollectionTestRunner{},
	}
}

// Lookup returns the Runner for tool, or an error if the agent build
// does not carry it.
func (r Registry) Lookup(tool apis.Tool) (Runner, error) {
	runner, ok := r[tool]
	if !ok {
		return nil, fmt.Errorf("tools: no runner registered for %q", tool)
	}
	return runner, nil
}

func extensionSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		set[strings.ToLower(e)] = struct{}{}
	}
	return set
}

func fileExt(p string) string {
	ext := path.Ext(p)
	return strings.ToLower(ext)
}

func fileStem(p string) string {
	base := path.Base(p)
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext)
}

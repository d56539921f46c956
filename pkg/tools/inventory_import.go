package tools

import (
	"context"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// InventoryImportRunner reconciles a connector's object listing against
// the team's camera mappings, grouping files by inferred camera
// directory prefix (e.g. "DCIM/100CANON/..."). Unrecognized cameras are
// reported so the server can prompt an operator to confirm a new
// mapping.
type InventoryImportRunner struct{}

func (InventoryImportRunner) Run(ctx context.Context, input RunInput, report ProgressFunc) (RunOutput, error) {
	known := map[string]apis.CameraMapping{}
	for cameraID, mappings := range input.Config.CameraMappings {
		if len(mappings) > 0 {
			known[cameraID] = mappings[0]
		}
	}

	byCamera := map[string]int{}
	unrecognized := map[string]int{}

	for _, f := range input.Files {
		cameraID := inferCameraID(f.Path)
		if cameraID == "" {
			continue
		}
		if _, ok := known[cameraID]; ok {
			byCamera[cameraID]++
		} else {
			unrecognized[cameraID]++
		}
	}

	if report != nil {
		total := len(input.Files)
		report(apis.ProgressUpdate{Stage: "importing", TotalFiles: &total})
	}

	return RunOutput{
		ResultsJSON: map[string]any{
			"total_files":        len(input.Files),
			"by_known_camera":    byCamera,
			"unrecognized_cameras": unrecognized,
		},
	}, nil
}

// inferCameraID extracts a DCIM-style camera folder name from a file
// path, e.g. "DCIM/100CANON/IMG_0001.CR2" -> "100CANON".
func inferCameraID(p string) string {
	parts := splitPath(p)
	for i, part := range parts {
		if part == "DCIM" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func splitPath(p string) []string {
	var parts []string
	cur := ""
	for _, r := range p {
		if r == '/' || r == '\\' {
			if cur != "" {
				parts = append(parts, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		parts = append(parts, cur)
	}
	return parts
}

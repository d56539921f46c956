package tools

import (
	"context"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// PhotostatsRunner reports file counts by extension category: photo,
// metadata sidecar, and other.
type PhotostatsRunner struct{}

func (PhotostatsRunner) Run(ctx context.Context, input RunInput, report ProgressFunc) (RunOutput, error) {
	photoExts := extensionSet(input.Config.PhotoExtensions)
	sidecarExts := extensionSet(input.Config.MetadataExtensions)

	var photoCount, sidecarCount, otherCount int
	byExtension := map[string]int{}

	total := len(input.Files)
	for i, f := range input.Files {
		ext := fileExt(f.Path)
		byExtension[ext]++

		switch {
		case isIn(photoExts, ext):
			photoCount++
		case isIn(sidecarExts, ext):
			sidecarCount++
		default:
			otherCount++
		}

		if report != nil && (i%25 == 0 || i == total-1) {
			scanned := i + 1
			report(apis.ProgressUpdate{
				Stage:        "scanning",
				FilesScanned: &scanned,
				TotalFiles:   &total,
			})
		}
	}

	return RunOutput{
		ResultsJSON: map[string]any{
			"total_files":    total,
			"photo_count":    photoCount,
			"sidecar_count":  sidecarCount,
			"other_count":    otherCount,
			"by_extension":   byExtension,
		},
	}, nil
}

func isIn(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

package tools

import (
	"context"
)

// CollectionTestRunner probes a collection's accessibility: the
// storage walk already happened by the time a Runner is invoked, so
// reaching this point with a file list is itself the access proof.
// The runner summarizes what the walk saw so operators can confirm
// the collection looks like a photo library rather than an empty or
// wrong mount.
type CollectionTestRunner struct{}

func (CollectionTestRunner) Run(ctx context.Context, input RunInput, report ProgressFunc) (RunOutput, error) {
	photoExts := extensionSet(input.Config.PhotoExtensions)
	sidecarExts := extensionSet(input.Config.MetadataExtensions)

	var photoCount, sidecarCount int
	var totalBytes int64
	for _, f := range input.Files {
		ext := fileExt(f.Path)
		switch {
		case isIn(photoExts, ext):
			photoCount++
		case isIn(sidecarExts, ext):
			sidecarCount++
		}
		totalBytes += f.Size
	}

	issues := []string{}
	if len(input.Files) == 0 {
		issues = append(issues, "collection is empty")
	} else if photoCount == 0 {
		issues = append(issues, "no recognized photo files found")
	}

	return RunOutput{
		ResultsJSON: map[string]any{
			"accessible":    true,
			"total_files":   len(input.Files),
			"photo_count":   photoCount,
			"sidecar_count": sidecarCount,
			"total_bytes":   totalBytes,
			"issues":        issues,
		},
	}, nil
}

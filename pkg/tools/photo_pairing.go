package tools

import (
	"context"
	"sort"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// PhotoPairingRunner matches each RAW/photo file to its metadata
// sidecar by filename stem, reporting orphaned files on either side.
// RequireSidecar in TeamConfig lists which photo extensions must have a
// matching sidecar to count as "paired"; photos with other extensions
// count as paired whether or not a sidecar exists.
type PhotoPairingRunner struct{}

func (PhotoPairingRunner) Run(ctx context.Context, input RunInput, report ProgressFunc) (RunOutput, error) {
	photoExts := extensionSet(input.Config.PhotoExtensions)
	sidecarExts := extensionSet(input.Config.MetadataExtensions)
	required := extensionSet(input.Config.RequireSidecar)

	photosByStem := map[string][]string{}
	sidecarsByStem := map[string][]string{}

	for _, f := range input.Files {
		ext := fileExt(f.Path)
		stem := fileStem(f.Path)
		switch {
		case isIn(photoExts, ext):
			photosByStem[stem] = append(photosByStem[stem], f.Path)
		case isIn(sidecarExts, ext):
			sidecarsByStem[stem] = append(sidecarsByStem[stem], f.Path)
		}
	}

	var paired, missingSidecar, orphanSidecars int
	for stem, photos := range photosByStem {
		sidecars := sidecarsByStem[stem]
		if len(sidecars) > 0 {
			paired += len(photos)
			continue
		}
		needsSidecar := false
		for _, p := range photos {
			if isIn(required, fileExt(p)) {
				needsSidecar = true
				break
			}
		}
		if needsSidecar {
			missingSidecar += len(photos)
		} else {
			paired += len(photos)
		}
	}

	photoStems := make(map[string]struct{}, len(photosByStem))
	for stem := range photosByStem {
		photoStems[stem] = struct{}{}
	}
	for stem, sidecars := range sidecarsByStem {
		if _, ok := photoStems[stem]; !ok {
			orphanSidecars += len(sidecars)
		}
	}

	if report != nil {
		total := len(input.Files)
		report(apis.ProgressUpdate{Stage: "pairing", TotalFiles: &total})
	}

	stems := make([]string, 0, len(photosByStem))
	for s := range photosByStem {
		stems = append(stems, s)
	}
	sort.Strings(stems)

	return RunOutput{
		ResultsJSON: map[string]any{
			"paired_count":          paired,
			"missing_sidecar_count": missingSidecar,
			"orphan_sidecar_count":  orphanSidecars,
			"groups_inspected":      len(stems),
		},
	}, nil
}

package apis

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// InputState is the canonical tuple hashed to detect "nothing changed"
// between two runs of the same tool on the same collection.
type InputState struct {
	TeamGUID        string          `json:"team_guid"`
	CollectionGUID  string          `json:"collection_guid"`
	Tool            Tool            `json:"tool"`
	ConfigSlice     map[string]any  `json:"config_slice"`
	Files           []FileFingerprint `json:"files"`
	PipelineGUID    string          `json:"pipeline_guid,omitempty"`
	PipelineVersion int             `json:"pipeline_version,omitempty"`
}

// FileFingerprint is one entry of the ordered file list that feeds the
// input-state hash: relative path, size, and last-modified rounded to the
// second.
type FileFingerprint struct {
	RelativePath        string `json:"relative_path"`
	Size                int64  `json:"size"`
	LastModifiedSeconds int64  `json:"last_modified_seconds"`
}

// ConfigSliceForTool extracts the tool-relevant config slice that feeds
// the input state:
//   - photostats / photo_pairing: (photo_extensions, metadata_extensions,
//     require_sidecar), sorted and lowercased.
//   - pipeline_validation: the full pipeline nodes+edges JSON at the
//     bound pipeline_version.
func ConfigSliceForTool(tool Tool, cfg TeamConfig, pipeline *PipelineDefinition) map[string]any {
	switch tool {
	case ToolPipelineValidation:
		if pipeline == nil {
			return map[string]any{}
		}
		return map[string]any{
			"nodes": pipeline.Nodes,
			"edges": pipeline.Edges,
		}
	default:
		return map[string]any{
			"photo_extensions":    sortedLower(cfg.PhotoExtensions),
			"metadata_extensions": sortedLower(cfg.MetadataExtensions),
			"require_sidecar":     sortedLower(cfg.RequireSidecar),
		}
	}
}

func sortedLower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	sort.Strings(out)
	return out
}

// FingerprintFiles converts a FileInfo list into the sorted
// FileFingerprint list the input state hashes over. lastModifiedUnix is a
// parser for the FileInfo.LastModified string; pass a function so local
// and remote adapters can each supply their own timestamp format.
func FingerprintFiles(files []FileInfo, lastModifiedUnix func(string) int64) []FileFingerprint {
	out := make([]FileFingerprint, len(files))
	for i, f := range files {
		var ts int64
		if lastModifiedUnix != nil {
			ts = lastModifiedUnix(f.LastModified)
		}
		out[i] = FileFingerprint{
			RelativePath:        f.Path,
			Size:                f.Size,
			LastModifiedSeconds: ts,
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out
}

// Hash computes SHA-256(canonical_json(input_state)) and returns it as a
// lowercase hex string.
func (s InputState) Hash() (string, error) {
	canonical, err := CanonicalJSON(s)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// QuickFingerprintDigest is a cheap, non-cryptographic pre-filter over a
// file fingerprint list. The executor checks this xxhash digest against
// the one recorded on the last run before paying for a full
// canonical-JSON + SHA-256 pass: a change in the xxhash digest proves a
// change occurred, letting the expensive path run only when needed.
// When the file and config digests both match the last run's, the
// executor reuses that run's SHA-256 input-state hash for the dedup
// precheck without recomputing it.
func QuickFingerprintDigest(files []FileFingerprint) uint64 {
	h := xxhash.New()
	var scratch [8]byte
	for _, f := range files {
		_, _ = h.WriteString(f.RelativePath)
		binary.LittleEndian.PutUint64(scratch[:], uint64(f.Size))
		_, _ = h.Write(scratch[:])
		binary.LittleEndian.PutUint64(scratch[:], uint64(f.LastModifiedSeconds))
		_, _ = h.Write(scratch[:])
	}
	return h.Sum64()
}

// Package capabilities detects what a running agent can do, for
// inclusion in registration and heartbeat requests: local
// filesystem access is always reported, cloud storage adapters are
// reported only when their runtime dependency is actually wired, and
// every built-in analysis tool is reported as "tool:{name}:{version}".
package capabilities

import (
	"fmt"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

// BuiltinTools are the tools compiled directly into the agent binary
// and therefore always available, regardless of connector credentials.
var BuiltinTools = []apis.Tool{
	apis.ToolPhotostats,
	apis.ToolPhotoPairing,
	apis.ToolPipelineValidation,
	apis.ToolInventoryImport,
	apis.ToolInventoryValidate,
}

// StorageSupport selects which non-local storage backends Detect
// reports. S3 is backed by aws-sdk-go-v2; the GCS adapter in
// pkg/agent/storage is a stub whose listing always fails, since no GCS
// client library is imported.
type StorageSupport struct {
	S3  bool
	GCS bool
}

// Detect returns the agent's full capability list: local_filesystem,
// optional s3/gcs, then one tool:{name}:{version} entry per built-in
// tool, plus one connector:{guid} entry per locally stored connector
// credential.
func Detect(version string, support StorageSupport, connectorGUIDs []string) []string {
	caps := []string{apis.CapabilityLocalFilesystem}

	if support.S3 {
		caps = append(caps, "s3")
	}
	if support.GCS {
		caps = append(caps, "gcs")
	}

	for _, tool := range BuiltinTools {
		caps = append(caps, fmt.Sprintf("tool:%s:%s", tool, version))
	}

	for _, guid := range connectorGUIDs {
		caps = append(caps, fmt.Sprintf("connector:%s", guid))
	}

	return caps
}

// Satisfies reports whether have (this agent's detected capabilities)
// covers every entry in required — the dispatcher's subset check
// mirrored locally, useful for the agent's own "why wasn't I given
// this job" diagnostics.
func Satisfies(have []string, required []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

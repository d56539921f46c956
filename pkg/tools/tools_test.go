package tools

import (
	"context"
	"testing"

	"gotest.tools/assert"

	"github.com/fabrice-guiot/shuttersense-sub005/pkg/apis"
)

func TestPhotostatsRunnerCounts(t *testing.T) {
	input := RunInput{
		Tool: apis.ToolPhotostats,
		Files: []apis.FileInfo{
			{Path: "a.nef", Size: 1},
			{Path: "a.xmp", Size: 1},
			{Path: "b.nef", Size: 1},
			{Path: "readme.txt", Size: 1},
		},
		Config: apis.TeamConfig{
			PhotoExtensions:    []string{".nef"},
			MetadataExtensions: []string{".xmp"},
		},
	}

	out, err := PhotostatsRunner{}.Run(context.Background(), input, nil)
	assert.NilError(t, err)
	assert.Equal(t, out.ResultsJSON["photo_count"], 2)
	assert.Equal(t, out.ResultsJSON["sidecar_count"], 1)
	assert.Equal(t, out.ResultsJSON["other_count"], 1)
}

func TestPhotoPairingRunnerDetectsMissingSidecar(t *testing.T) {
	input := RunInput{
		Files: []apis.FileInfo{
			{Path: "a.nef"}, {Path: "a.xmp"},
			{Path: "b.nef"},
		},
		Config: apis.TeamConfig{
			PhotoExtensions:    []string{".nef"},
			MetadataExtensions: []string{".xmp"},
			RequireSidecar:     []string{".nef"},
		},
	}

	out, err := PhotoPairingRunner{}.Run(context.Background(), input, nil)
	assert.NilError(t, err)
	assert.Equal(t, out.ResultsJSON["paired_count"], 1)
	assert.Equal(t, out.ResultsJSON["missing_sidecar_count"], 1)
}

func TestPipelineValidationDetectsUnknownNodeEdge(t *testing.T) {
	input := RunInput{
		Pipeline: &apis.PipelineDefinition{
			GUID: "pip_1",
			Nodes: []apis.PipelineNode{{ID: "n1"}, {ID: "n2"}},
			Edges: []apis.PipelineEdge{{From: "n1", To: "n3"}},
		},
	}

	out, err := PipelineValidationRunner{}.Run(context.Background(), input, nil)
	assert.NilError(t, err)
	assert.Equal(t, out.ResultsJSON["valid"], false)
}

func TestPipelineValidationDetectsCycle(t *testing.T) {
	input := RunInput{
		Pipeline: &apis.PipelineDefinition{
			GUID: "pip_1",
			Nodes: []apis.PipelineNode{{ID: "n1"}, {ID: "n2"}},
			Edges: []apis.PipelineEdge{{From: "n1", To: "n2"}, {From: "n2", To: "n1"}},
		},
	}

	out, err := PipelineValidationRunner{}.Run(context.Background(), input, nil)
	assert.NilError(t, err)
	assert.Equal(t, out.ResultsJSON["valid"], false)
}

func TestPipelineValidationAcceptsValidGraph(t *testing.T) {
	input := RunInput{
		Pipeline: &apis.PipelineDefinition{
			GUID: "pip_1",
			Nodes: []apis.PipelineNode{{ID: "n1"}, {ID: "n2"}},
			Edges: []apis.PipelineEdge{{From: "n1", To: "n2"}},
		},
	}

	out, err := PipelineValidationRunner{}.Run(context.Background(), input, nil)
	assert.NilError(t, err)
	assert.Equal(t, out.ResultsJSON["valid"], true)
}

func TestInventoryImportGroupsByCamera(t *testing.T) {
	input := RunInput{
		Files: []apis.FileInfo{
			{Path: "DCIM/100CANON/IMG_0001.CR2"},
			{Path: "DCIM/100CANON/IMG_0002.CR2"},
			{Path: "DCIM/999UNKNOWN/IMG_0003.CR2"},
		},
		Config: apis.TeamConfig{
			CameraMappings: map[string][]apis.CameraMapping{
				"100CANON": {{CameraID: "100CANON", Make: "Canon", Model: "R5", Status: "confirmed"}},
			},
		},
	}

	out, err := InventoryImportRunner{}.Run(context.Background(), input, nil)
	assert.NilError(t, err)
	byKnown := out.ResultsJSON["by_known_camera"].(map[string]int)
	assert.Equal(t, byKnown["100CANON"], 2)
	unrecognized := out.ResultsJSON["unrecognized_cameras"].(map[string]int)
	assert.Equal(t, unrecognized["999UNKNOWN"], 1)
}

func TestRegistryLookupMissingTool(t *testing.T) {
	reg := DefaultRegistry()
	_, err := reg.Lookup(apis.Tool("spectral_analysis"))
	assert.ErrorContains(t, err, "no runner registered")
}

func TestCollectionTestSummarizesAccessibleCollection(t *testing.T) {
	out, err := CollectionTestRunner{}.Run(context.Background(), RunInput{
		Files: []apis.FileInfo{
			{Path: "a.nef", Size: 1000},
			{Path: "a.xmp", Size: 100},
			{Path: "notes.txt", Size: 10},
		},
		Config: apis.TeamConfig{PhotoExtensions: []string{".nef"}, MetadataExtensions: []string{".xmp"}},
	}, nil)
	assert.NilError(t, err)
	assert.Equal(t, out.ResultsJSON["accessible"], true)
	assert.Equal(t, out.ResultsJSON["total_files"], 3)
	assert.Equal(t, out.ResultsJSON["photo_count"], 1)
	assert.Equal(t, out.ResultsJSON["total_bytes"], int64(1110))
	assert.Equal(t, len(out.ResultsJSON["issues"].([]string)), 0)
}

func TestCollectionTestFlagsEmptyCollection(t *testing.T) {
	out, err := CollectionTestRunner{}.Run(context.Background(), RunInput{Config: apis.TeamConfig{}}, nil)
	assert.NilError(t, err)
	issues := out.ResultsJSON["issues"].([]string)
	assert.Equal(t, len(issues), 1)
	assert.Equal(t, issues[0], "collection is empty")
}

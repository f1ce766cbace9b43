// Package manifest reads the build-time manifest that maps a workflow's
// source files to the stable step/workflow ids the engine persists as
// correlationId prefixes and WorkflowName values. The engine never writes
// this file and never interprets its graph data; both are produced by a
// bundler step that runs before the engine starts.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Manifest is the parsed form of the static JSON artifact described in the
// workflow manifest interface: a version tag plus two file-keyed tables,
// one for steps and one for workflows.
type Manifest struct {
	Version   string                               `json:"version"`
	Steps     map[string]map[string]StepEntry       `json:"steps"`
	Workflows map[string]map[string]WorkflowEntry   `json:"workflows"`
}

// StepEntry is one step's manifest record: just the stable id a bundler
// assigns, stable across the renames it may apply to the source file.
type StepEntry struct {
	StepID string `json:"stepId"`
}

// WorkflowEntry is one workflow's manifest record: its stable id plus an
// advisory graph used by visualization tooling. The engine never reads Graph.
type WorkflowEntry struct {
	WorkflowID string `json:"workflowId"`
	Graph      Graph  `json:"graph,omitempty"`
}

// Graph is the advisory node/edge list a bundler emits for visualization.
// Nothing in this module inspects it at dispatch time.
type Graph struct {
	Nodes []GraphNode `json:"nodes,omitempty"`
	Edges []GraphEdge `json:"edges,omitempty"`
}

// GraphNode is one visualization node. Fields beyond ID are free-form enough
// that bundlers vary in what they attach, so Label and Kind are optional.
type GraphNode struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// GraphEdge is one visualization edge between two GraphNode ids.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Load parses a manifest from r. It does not validate Version against any
// engine-understood range; version gating for persisted runs is store's
// concern (store.CurrentSpecVersion), not the manifest's.
func Load(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if m.Version == "" {
		return nil, fmt.Errorf("manifest: missing version")
	}
	return &m, nil
}

// LoadFile opens path and parses it as a manifest.
func LoadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// StepID looks up the stable step id for the step named stepName declared in
// filePath. ok is false if either key is absent.
func (m *Manifest) StepID(filePath, stepName string) (string, bool) {
	file, ok := m.Steps[filePath]
	if !ok {
		return "", false
	}
	entry, ok := file[stepName]
	if !ok {
		return "", false
	}
	return entry.StepID, true
}

// WorkflowID looks up the stable workflow id for the workflow named wfName
// declared in filePath. ok is false if either key is absent.
func (m *Manifest) WorkflowID(filePath, wfName string) (string, bool) {
	file, ok := m.Workflows[filePath]
	if !ok {
		return "", false
	}
	entry, ok := file[wfName]
	if !ok {
		return "", false
	}
	return entry.WorkflowID, true
}

// WorkflowNames returns every workflow name declared in filePath, in
// manifest order is not guaranteed since map iteration is unordered; callers
// that need a stable listing should sort the result.
func (m *Manifest) WorkflowNames(filePath string) []string {
	file, ok := m.Workflows[filePath]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(file))
	for name := range file {
		names = append(names, name)
	}
	return names
}

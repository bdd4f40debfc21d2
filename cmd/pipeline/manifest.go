package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/scheduler"
)

// Manifest is the task file accepted by "pipeline run -f".
//
//	tasks:
//	  - id: parse-main
//	    target: cmd/main.go
//	    kind: syntax
//	    priority: high
//	    resources: {memory_mb: 256, cpu_percent: 50}
//	  - id: lint-main
//	    target: cmd/main.go
//	    kind: style
//	    depends_on: [parse-main]
//	    timeout: 5s
//	    deadline: 1m
//	    failure_mode: soft
type Manifest struct {
	Tasks []ManifestTask `yaml:"tasks"`
}

// ManifestTask is one task entry. Deadline is relative to the start of the run.
type ManifestTask struct {
	ID          string              `yaml:"id"`
	Target      string              `yaml:"target"`
	Kind        string              `yaml:"kind"`
	Priority    string              `yaml:"priority"`
	DependsOn   []string            `yaml:"depends_on"`
	Resources   scheduler.Resources `yaml:"resources"`
	Timeout     config.Duration     `yaml:"timeout"`
	Deadline    config.Duration     `yaml:"deadline"`
	FailureMode string              `yaml:"failure_mode"`
}

// loadManifest reads and parses a manifest file.
func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return parseManifest(data)
}

// parseManifest decodes a manifest, rejecting unknown fields.
func parseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if len(m.Tasks) == 0 {
		return nil, fmt.Errorf("manifest has no tasks")
	}
	return &m, nil
}

// Build converts the manifest into scheduler tasks. Entries without an id
// get a generated one.
func (m *Manifest) Build(now time.Time) ([]*scheduler.Task, error) {
	tasks := make([]*scheduler.Task, 0, len(m.Tasks))
	for i, mt := range m.Tasks {
		kind, err := scheduler.ParseKind(mt.Kind)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i, mt.ID, err)
		}
		priority, err := scheduler.ParsePriority(mt.Priority)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i, mt.ID, err)
		}
		mode, err := scheduler.ParseFailureMode(mt.FailureMode)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i, mt.ID, err)
		}

		t := scheduler.NewTask(mt.ID, mt.Target, kind, priority)
		t.Dependencies = append([]string(nil), mt.DependsOn...)
		t.Resources = mt.Resources
		t.Timeout = mt.Timeout.Std()
		t.FailureMode = mode
		if mt.Deadline > 0 {
			t.Deadline = now.Add(mt.Deadline.Std())
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Package session defines the model session identity used as the map key
// throughout the scheduler: a model plus a latency SLA plus optional input
// dimensions.
package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelSession identifies a fully qualified model instance: a model id, a
// latency SLA, and optional input dimensions. Two sessions with the same
// fields are the same placement unit.
type ModelSession struct {
	Framework    string `json:"framework" yaml:"framework"`
	ModelName    string `json:"model_name" yaml:"model_name"`
	Version      string `json:"version" yaml:"version"`
	LatencySLAMs int    `json:"latency_sla_ms" yaml:"latency_sla_ms"`
	ImageHeight  int    `json:"image_height,omitempty" yaml:"image_height,omitempty"`
	ImageWidth   int    `json:"image_width,omitempty" yaml:"image_width,omitempty"`
}

// ID returns the canonical string encoding used as the map key everywhere
// in the scheduler (session_table, session_subscribers, model tables).
func (s ModelSession) ID() string {
	var b strings.Builder
	b.WriteString(s.Framework)
	b.WriteByte(':')
	b.WriteString(s.ModelName)
	b.WriteByte(':')
	b.WriteString(s.Version)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(s.LatencySLAMs))
	if s.ImageHeight > 0 || s.ImageWidth > 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(s.ImageHeight))
		b.WriteByte('x')
		b.WriteString(strconv.Itoa(s.ImageWidth))
	}
	return b.String()
}

// ModelID returns the bare model identifier (framework, name, version) used
// to look up profiles in the model database, ignoring SLA and dimensions.
func (s ModelSession) ModelID() string {
	return s.Framework + ":" + s.ModelName + ":" + s.Version
}

// Parse reconstructs a ModelSession from its canonical ID. It is the
// inverse of ID and is used only by tests and diagnostics; the scheduler
// itself always carries the struct alongside the string key.
func Parse(id string) (ModelSession, error) {
	parts := strings.Split(id, ":")
	if len(parts) < 4 {
		return ModelSession{}, fmt.Errorf("session: malformed id %q", id)
	}
	sla, err := strconv.Atoi(parts[3])
	if err != nil {
		return ModelSession{}, fmt.Errorf("session: bad latency_sla in %q: %w", id, err)
	}
	s := ModelSession{
		Framework:    parts[0],
		ModelName:    parts[1],
		Version:      parts[2],
		LatencySLAMs: sla,
	}
	if len(parts) > 4 {
		dims := strings.SplitN(parts[4], "x", 2)
		if len(dims) == 2 {
			h, herr := strconv.Atoi(dims[0])
			w, werr := strconv.Atoi(dims[1])
			if herr == nil && werr == nil {
				s.ImageHeight = h
				s.ImageWidth = w
			}
		}
	}
	return s, nil
}

// WorkloadSlot is one preconfigured static workload: a group of sessions
// that are always co-located and never rebalanced by the epoch loop.
// Backups declares sessions this slot's backend should stand by to serve
// if another backend hosting them goes down (spec.md §4.3 backup
// notification path).
type WorkloadSlot struct {
	Sessions []ModelSession `yaml:"sessions"`
	Backups  []ModelSession `yaml:"backups,omitempty"`
}

// workloadFile is the top-level shape of a static workload YAML document.
type workloadFile struct {
	Workloads []WorkloadSlot `yaml:"workloads"`
}

// LoadWorkloads reads a static workload file (spec.md §4.3). The document is
// either a bare list of lists of model sessions (one inner list per slot)
// or a mapping with a "workloads" list of slots that may also declare
// backups. An empty path is not an error: it yields no slots, meaning every
// backend is subject to ordinary placement and rebalancing.
func LoadWorkloads(path string) ([]WorkloadSlot, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read workload file %s: %w", path, err)
	}
	var f workloadFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		var lists [][]ModelSession
		if lerr := yaml.Unmarshal(data, &lists); lerr != nil {
			return nil, fmt.Errorf("session: parse workload file %s: %w", path, err)
		}
		slots := make([]WorkloadSlot, len(lists))
		for i, sessions := range lists {
			slots[i] = WorkloadSlot{Sessions: sessions}
		}
		return slots, nil
	}
	return f.Workloads, nil
}

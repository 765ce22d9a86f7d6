// Package modeldb loads the read-only model profile database: per-model
// throughput/latency-vs-batch curves, memory footprint, resizability
// defaults, and prefix-share group membership.
//
// The database is constructed explicitly from a root directory at startup
// and passed to callers; it is never accessed as a package-level
// singleton (spec.md's "Global singletons" redesign note).
package modeldb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexusml/nexus/internal/session"
)

// BatchPoint is one entry on a model's throughput/latency-vs-batch curve.
type BatchPoint struct {
	Batch      int     `yaml:"batch"`
	Throughput float64 `yaml:"throughput"`
	LatencyMs  float64 `yaml:"latency_ms"`
}

// Profile is the on-disk representation of one model's capacity curve.
type Profile struct {
	ID                  string       `yaml:"id"`
	Framework           string       `yaml:"framework"`
	Resizable           bool         `yaml:"resizable"`
	DefaultImageHeight  int          `yaml:"default_image_height"`
	DefaultImageWidth   int          `yaml:"default_image_width"`
	MemoryMB            int          `yaml:"memory_mb"`
	PrefixShareGroup    string       `yaml:"prefix_share_group"`
	Batches             []BatchPoint `yaml:"batches"`
}

// PeakThroughput returns the highest throughput across all batch points.
func (p Profile) PeakThroughput() float64 {
	var peak float64
	for _, b := range p.Batches {
		if b.Throughput > peak {
			peak = b.Throughput
		}
	}
	return peak
}

// SortedBatches returns the batch points ordered by ascending batch size.
func (p Profile) SortedBatches() []BatchPoint {
	out := make([]BatchPoint, len(p.Batches))
	copy(out, p.Batches)
	sort.Slice(out, func(i, j int) bool { return out[i].Batch < out[j].Batch })
	return out
}

// DB is a read-only, in-memory model profile lookup.
type DB struct {
	profiles map[string]Profile
}

// Load reads every *.yaml/*.yml file under root and indexes them by
// Profile.ID (which must match the ModelSession.ModelID() encoding:
// framework:model_name:version).
func Load(root string) (*DB, error) {
	db := &DB{profiles: map[string]Profile{}}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("modeldb: read root %s: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			return nil, fmt.Errorf("modeldb: read %s: %w", name, err)
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("modeldb: parse %s: %w", name, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("modeldb: %s missing id", name)
		}
		db.profiles[p.ID] = p
	}
	return db, nil
}

// NewFromProfiles builds a DB directly from in-memory profiles, primarily
// for tests.
func NewFromProfiles(profiles ...Profile) *DB {
	db := &DB{profiles: map[string]Profile{}}
	for _, p := range profiles {
		db.profiles[p.ID] = p
	}
	return db
}

// ErrNotFound is returned by Lookup for an unknown model id.
var ErrNotFound = fmt.Errorf("model not found")

// Lookup returns the profile for a model id (framework:model_name:version).
func (db *DB) Lookup(modelID string) (Profile, error) {
	p, ok := db.profiles[modelID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

// ResolveDefaults fills in image dimensions from the model's profile
// defaults when the session declares none and the model is resizable, per
// spec.md's "Sessions with zero image dimensions acquire defaults" rule.
func (db *DB) ResolveDefaults(s session.ModelSession) (session.ModelSession, error) {
	p, err := db.Lookup(s.ModelID())
	if err != nil {
		return session.ModelSession{}, err
	}
	if s.ImageHeight == 0 && s.ImageWidth == 0 && p.Resizable {
		s.ImageHeight = p.DefaultImageHeight
		s.ImageWidth = p.DefaultImageWidth
	}
	return s, nil
}

// PrefixGroup returns the group key shared by models eligible for prefix
// batching, and whether the model belongs to any such group.
func (db *DB) PrefixGroup(modelID string) (string, bool) {
	p, ok := db.profiles[modelID]
	if !ok || p.PrefixShareGroup == "" {
		return "", false
	}
	return p.PrefixShareGroup, true
}

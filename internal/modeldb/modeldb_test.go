package modeldb_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nexusml/nexus/internal/modeldb"
	"github.com/nexusml/nexus/internal/session"
)

const resnetYAML = `
id: tensorflow:resnet50:1
framework: tensorflow
resizable: true
default_image_height: 224
default_image_width: 224
memory_mb: 4096
prefix_share_group: cnn-backbone-v1
batches:
  - batch: 1
    throughput: 60
    latency_ms: 12
  - batch: 4
    throughput: 210
    latency_ms: 24
  - batch: 8
    throughput: 360
    latency_ms: 41
`

func writeDB(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadAndRoundTrip(t *testing.T) {
	dir := writeDB(t, map[string]string{"resnet50.yaml": resnetYAML})
	db, err := modeldb.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	p, err := db.Lookup("tensorflow:resnet50:1")
	if err != nil {
		t.Fatal(err)
	}
	if p.MemoryMB != 4096 || len(p.Batches) != 3 || p.PrefixShareGroup != "cnn-backbone-v1" {
		t.Fatalf("unexpected profile: %+v", p)
	}
	if p.PeakThroughput() != 360 {
		t.Fatalf("expected peak throughput 360, got %v", p.PeakThroughput())
	}
	sorted := p.SortedBatches()
	if sorted[0].Batch != 1 || sorted[len(sorted)-1].Batch != 8 {
		t.Fatalf("batches not sorted: %+v", sorted)
	}
}

func TestResolveDefaults(t *testing.T) {
	dir := writeDB(t, map[string]string{"resnet50.yaml": resnetYAML})
	db, err := modeldb.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	s := session.ModelSession{Framework: "tensorflow", ModelName: "resnet50", Version: "1", LatencySLAMs: 100}
	resolved, err := db.ResolveDefaults(s)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ImageHeight != 224 || resolved.ImageWidth != 224 {
		t.Fatalf("expected defaults applied, got %+v", resolved)
	}
}

func TestLookupNotFound(t *testing.T) {
	db := modeldb.NewFromProfiles()
	if _, err := db.Lookup("tensorflow:missing:1"); err != modeldb.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPrefixGroup(t *testing.T) {
	dir := writeDB(t, map[string]string{"resnet50.yaml": resnetYAML})
	db, err := modeldb.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	group, ok := db.PrefixGroup("tensorflow:resnet50:1")
	if !ok || group != "cnn-backbone-v1" {
		t.Fatalf("expected prefix group, got %q %v", group, ok)
	}
	if _, ok := db.PrefixGroup("tensorflow:missing:1"); ok {
		t.Fatal("expected no prefix group for missing model")
	}
}

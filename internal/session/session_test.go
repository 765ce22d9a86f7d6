package session_test

import (
	"testing"

	"github.com/nexusml/nexus/internal/session"
)

func TestIDRoundTrip(t *testing.T) {
	cases := []session.ModelSession{
		{Framework: "tensorflow", ModelName: "resnet50", Version: "1", LatencySLAMs: 100},
		{Framework: "tensorflow", ModelName: "resnet50", Version: "1", LatencySLAMs: 100, ImageHeight: 224, ImageWidth: 224},
		{Framework: "darknet", ModelName: "yolov3", Version: "2", LatencySLAMs: 50, ImageHeight: 416, ImageWidth: 416},
	}
	for _, want := range cases {
		id := want.ID()
		got, err := session.Parse(id)
		if err != nil {
			t.Fatalf("Parse(%q): %v", id, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: want %+v got %+v (id=%q)", want, got, id)
		}
	}
}

func TestModelIDIgnoresSLAAndDims(t *testing.T) {
	a := session.ModelSession{Framework: "tensorflow", ModelName: "resnet50", Version: "1", LatencySLAMs: 100}
	b := session.ModelSession{Framework: "tensorflow", ModelName: "resnet50", Version: "1", LatencySLAMs: 200, ImageHeight: 224, ImageWidth: 224}
	if a.ModelID() != b.ModelID() {
		t.Fatalf("expected equal ModelID, got %q vs %q", a.ModelID(), b.ModelID())
	}
	if a.ID() == b.ID() {
		t.Fatalf("expected distinct session IDs for distinct SLA/dims")
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := session.Parse("too:few:parts"); err == nil {
		t.Fatal("expected error for malformed id")
	}
}

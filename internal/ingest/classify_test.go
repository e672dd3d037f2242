package ingest

import (
	"testing"

	"skywatch/go-telemetry-server/internal/model"
)

func record(id string, hints model.ClassHints) model.PointRecord {
	return model.PointRecord{EntityID: id, Hints: hints}
}

// TestHeuristicClassifier exercises the naming-convention rules and their
// priority order.
func TestHeuristicClassifier(t *testing.T) {
	c := NewHeuristicClassifier()

	cases := []struct {
		name string
		rec  model.PointRecord
		want model.Kind
	}{
		{"cam prefix", record("CAM-001", model.ClassHints{}), model.KindCamera},
		{"camera substring", record("north-camera-2", model.ClassHints{}), model.KindCamera},
		{"camera flag", record("X1", model.ClassHints{IsCameraData: true}), model.KindCamera},
		{"my drone flag", record("X2", model.ClassHints{IsMyDrone: true}), model.KindDrone},
		{"mydrone substring", record("MYDRONE-7", model.ClassHints{}), model.KindDrone},
		{"alpha substring", record("ALPHA-2", model.ClassHints{}), model.KindDrone},
		{"beta substring", record("BETA-1", model.ClassHints{}), model.KindDrone},
		{"charlie substring", record("CHARLIE-9", model.ClassHints{}), model.KindDrone},
		{"lowercase friendly is opponent", record("alpha-2", model.ClassHints{}), model.KindOpponent},
		{"unknown id", record("TARGET-42", model.ClassHints{}), model.KindOpponent},
		{"empty id", record("", model.ClassHints{}), model.KindOpponent},
		{"camera beats my drone", record("CAM-001", model.ClassHints{IsMyDrone: true}), model.KindCamera},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.Classify(tc.rec); got != tc.want {
				t.Errorf("Classify(%q) = %q, want %q", tc.rec.EntityID, got, tc.want)
			}
		})
	}
}

// TestHeuristicClassifierDeterministic re-classifies the same record and
// expects identical results every time.
func TestHeuristicClassifierDeterministic(t *testing.T) {
	c := NewHeuristicClassifier()
	rec := record("ALPHA-1", model.ClassHints{})

	first := c.Classify(rec)
	for i := 0; i < 100; i++ {
		if got := c.Classify(rec); got != first {
			t.Fatalf("classification changed on iteration %d: %q != %q", i, got, first)
		}
	}
}

// TestRegistryClassifier checks explicit registrations win over the
// heuristic and unregistered ids fall through to it.
func TestRegistryClassifier(t *testing.T) {
	registry := map[string]model.Kind{
		"CAM-LOOKALIKE": model.KindDrone,
		"TARGET-9":      model.KindCamera,
	}
	c := NewRegistryClassifier(registry, NewHeuristicClassifier())

	if got := c.Classify(record("CAM-LOOKALIKE", model.ClassHints{})); got != model.KindDrone {
		t.Errorf("registered id = %q, want drone override", got)
	}
	if got := c.Classify(record("TARGET-9", model.ClassHints{})); got != model.KindCamera {
		t.Errorf("registered id = %q, want camera override", got)
	}
	if got := c.Classify(record("MYDRONE-1", model.ClassHints{})); got != model.KindDrone {
		t.Errorf("fallback id = %q, want drone", got)
	}
}

package ingest

import (
	"strings"

	"skywatch/go-telemetry-server/internal/model"
)

// Classifier decides the entity category for a canonical point record.
// Classification is a pure function of the record's identifier and explicit
// flags; a record is never reclassified after storage.
type Classifier interface {
	Classify(rec model.PointRecord) model.Kind
}

// friendlyNames are identifier substrings recognized as our own drones when
// a device does not declare its class. Matching is case-sensitive.
var friendlyNames = []string{"MYDRONE", "ALPHA", "BETA", "CHARLIE"}

// HeuristicClassifier applies naming-convention rules in priority order:
// camera evidence first, then friendly-drone evidence, opponent as fallback.
type HeuristicClassifier struct {
	friendly []string
}

// NewHeuristicClassifier returns the default naming-convention classifier.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{friendly: friendlyNames}
}

func (c *HeuristicClassifier) Classify(rec model.PointRecord) model.Kind {
	id := rec.EntityID

	if rec.Hints.IsCameraData || strings.HasPrefix(id, "CAM-") || strings.Contains(id, "camera") {
		return model.KindCamera
	}

	if rec.Hints.IsMyDrone {
		return model.KindDrone
	}
	for _, name := range c.friendly {
		if strings.Contains(id, name) {
			return model.KindDrone
		}
	}

	return model.KindOpponent
}

// RegistryClassifier consults an explicit entityId -> kind mapping before
// falling back to another classifier for unregistered ids. The registry is
// read-only after construction.
type RegistryClassifier struct {
	registry map[string]model.Kind
	fallback Classifier
}

// NewRegistryClassifier wraps fallback with an explicit device registry.
func NewRegistryClassifier(registry map[string]model.Kind, fallback Classifier) *RegistryClassifier {
	byID := make(map[string]model.Kind, len(registry))
	for id, kind := range registry {
		byID[id] = kind
	}
	return &RegistryClassifier{registry: byID, fallback: fallback}
}

func (c *RegistryClassifier) Classify(rec model.PointRecord) model.Kind {
	if kind, ok := c.registry[rec.EntityID]; ok {
		return kind
	}
	return c.fallback.Classify(rec)
}

package ingest

import (
	"log/slog"
	"math"
	"time"

	"skywatch/go-telemetry-server/internal/model"
)

// Normalizer flattens decoded wire elements into canonical point records.
// Elements without usable coordinates are dropped with a logged warning and
// never surface as errors to the caller.
type Normalizer struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewNormalizer constructs a normalizer using the wall clock for default
// timestamps.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger, now: time.Now}
}

// Normalize emits zero or more point records for one element. A trajectory
// element (array-valued latitude and longitude) expands into one record per
// index, truncated to the shortest array; a scalar element emits exactly one.
func (n *Normalizer) Normalize(el *element) []model.PointRecord {
	base := model.PointRecord{
		EntityID:      el.DeviceID,
		CorrelationID: el.correlationID(),
		Severity:      severityFor(el.Type),
		Camera:        cameraMetaFor(el),
		Hints: model.ClassHints{
			IsCameraData: el.IsCameraData,
			IsMyDrone:    el.IsMyDrone,
		},
	}
	if base.EntityID == "" {
		base.EntityID = model.UnknownDevice
	}

	switch {
	case el.Latitude.isArray && el.Longitude.isArray:
		return n.expandTrajectory(el, base)
	case el.Latitude.present && !el.Latitude.isArray && el.Longitude.present && !el.Longitude.isArray:
		rec, ok := n.scalarPoint(el, base)
		if !ok {
			return nil
		}
		return []model.PointRecord{rec}
	default:
		n.logger.Warn("telemetry element has no usable coordinates", "device", base.EntityID)
		return nil
	}
}

func (n *Normalizer) scalarPoint(el *element, base model.PointRecord) (model.PointRecord, bool) {
	if !finite(el.Latitude.scalar) || !finite(el.Longitude.scalar) {
		n.logger.Warn("dropping point with non-finite coordinates", "device", base.EntityID)
		return model.PointRecord{}, false
	}

	rec := base
	rec.Latitude = el.Latitude.scalar
	rec.Longitude = el.Longitude.scalar
	if el.Altitude.present && !el.Altitude.isArray {
		rec.Altitude = el.Altitude.scalar
	}
	if el.Time.present && !el.Time.isArray {
		rec.Time = int64(el.Time.scalar)
	} else {
		rec.Time = n.now().Unix()
	}
	return rec, true
}

func (n *Normalizer) expandTrajectory(el *element, base model.PointRecord) []model.PointRecord {
	count := len(el.Latitude.values)
	if len(el.Longitude.values) < count {
		count = len(el.Longitude.values)
	}
	if el.Altitude.isArray && len(el.Altitude.values) < count {
		count = len(el.Altitude.values)
	}
	if el.Time.isArray && len(el.Time.values) < count {
		count = len(el.Time.values)
	}

	baseTime := n.now().Unix()
	records := make([]model.PointRecord, 0, count)

	for i := 0; i < count; i++ {
		lat := el.Latitude.values[i]
		lon := el.Longitude.values[i]
		if !finite(lat) || !finite(lon) {
			n.logger.Warn("dropping trajectory point with non-finite coordinates", "device", base.EntityID, "index", i)
			continue
		}

		rec := base
		rec.Latitude = lat
		rec.Longitude = lon

		switch {
		case el.Altitude.isArray:
			rec.Altitude = el.Altitude.values[i]
		case el.Altitude.present:
			rec.Altitude = el.Altitude.scalar
		}

		switch {
		case el.Time.isArray:
			rec.Time = int64(el.Time.values[i])
		case el.Time.present:
			rec.Time = int64(el.Time.scalar) + int64(i)
		default:
			rec.Time = baseTime + int64(i)
		}

		records = append(records, rec)
	}

	if len(records) == 0 {
		n.logger.Warn("trajectory element yielded no points", "device", base.EntityID)
	}
	return records
}

// severityFor maps the overloaded wire "type" field to an alert severity.
// Entity-category values (drone, camera, ...) carry no alert and map to an
// empty severity; an absent type defaults to a warning.
func severityFor(wireType string) string {
	switch wireType {
	case model.SeverityWarning, model.SeverityDanger, model.SeveritySuccess:
		return wireType
	case "":
		return model.SeverityWarning
	default:
		return ""
	}
}

func cameraMetaFor(el *element) *model.CameraMeta {
	if el.Name == "" && el.Status == "" && el.Direction == 0 && el.FOV == 0 && el.DetectionRange == 0 {
		return nil
	}
	return &model.CameraMeta{
		Name:           el.Name,
		Status:         el.Status,
		Direction:      el.Direction,
		FOV:            el.FOV,
		DetectionRange: el.DetectionRange,
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

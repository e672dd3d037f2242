package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"skywatch/go-telemetry-server/internal/hub"
	"skywatch/go-telemetry-server/internal/media"
	"skywatch/go-telemetry-server/internal/model"
	"skywatch/go-telemetry-server/internal/store"
)

// Pipeline runs one inbound telemetry payload through normalization,
// classification, media sideloading, persistence, and broadcast. Both
// transports share a single pipeline; each connection invokes it
// synchronously from its own message loop, so order within one connection's
// stream is preserved.
type Pipeline struct {
	normalizer *Normalizer
	classifier Classifier
	media      *media.Sideloader
	store      *store.Store
	hub        *hub.Hub
	logger     *slog.Logger
}

// NewPipeline wires the ingestion stages together.
func NewPipeline(classifier Classifier, sideloader *media.Sideloader, st *store.Store, h *hub.Hub, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		normalizer: NewNormalizer(logger),
		classifier: classifier,
		media:      sideloader,
		store:      st,
		hub:        h,
		logger:     logger,
	}
}

// Ingest processes one raw payload from origin and returns the unicast
// acknowledgement for the sender. Per-record validation failures are only
// logged; the ack reflects the batch as a whole. A broadcast to every open
// connection on both transports happens exactly once per accepted batch.
func (p *Pipeline) Ingest(ctx context.Context, origin string, payload []byte) model.Ack {
	elements, err := decodeBatch(payload)
	if err != nil {
		p.logger.Warn("inbound payload decode failed", "origin", origin, "error", err)
		p.recordIngestionError(ctx, origin, payload, err)
		return model.Ack{Status: model.AckError, Message: fmt.Sprintf("invalid payload: %v", err)}
	}

	var (
		records    []model.PointRecord
		detections []model.Detection
	)

	for i := range elements {
		el := &elements[i]

		mediaURL := p.sideload(el)

		recs := p.normalizer.Normalize(el)
		for j := range recs {
			recs[j].MediaURL = mediaURL
			recs[j].Kind = p.classifier.Classify(recs[j])
		}
		records = append(records, recs...)

		if d, ok := p.detectionFor(el, recs, mediaURL); ok {
			detections = append(detections, d)
		}
	}

	if len(records) == 0 {
		p.logger.Warn("no valid points in batch", "origin", origin, "elements", len(elements))
		return model.Ack{Status: model.AckNoData, Message: "no valid points to store"}
	}

	counts, err := p.persist(ctx, records, detections)
	if err != nil {
		if errors.Is(err, store.ErrNotReady) {
			return model.Ack{Status: model.AckError, Message: "store not ready, retry later"}
		}
		p.logger.Error("failed to persist batch", "origin", origin, "error", err)
		return model.Ack{Status: model.AckError, Message: "failed to store points"}
	}

	data, err := json.Marshal(records)
	if err != nil {
		p.logger.Error("failed to encode broadcast payload", "origin", origin, "error", err)
	} else {
		p.hub.Broadcast(hub.EventNewData, data)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	p.logger.Info("ingested telemetry batch", "origin", origin, "points", total, "connections", p.hub.Count())

	return model.Ack{
		Status:  model.AckOK,
		Message: fmt.Sprintf("stored %d points", len(records)),
		Counts:  counts,
	}
}

// sideload extracts an embedded media payload, if any, and stores it
// out-of-band. Failures inside the sideloader yield an empty URL and never
// abort ingestion of the element's location data.
func (p *Pipeline) sideload(el *element) string {
	data, video := el.mediaPayload()
	if data == "" {
		return ""
	}

	entityID := el.DeviceID
	if entityID == "" {
		entityID = model.UnknownDevice
	}
	return p.media.Save(entityID, data, video)
}

// detectionFor builds a detection event when a media-bearing element also
// names the detecting camera. The detection is persisted independently of
// the element's own classified storage.
func (p *Pipeline) detectionFor(el *element, recs []model.PointRecord, mediaURL string) (model.Detection, bool) {
	data, _ := el.mediaPayload()
	if data == "" || el.correlationID() == "" || len(recs) == 0 {
		return model.Detection{}, false
	}

	first := recs[0]
	return model.Detection{
		CameraID:    el.correlationID(),
		DeviceID:    first.EntityID,
		TargetID:    el.TargetID,
		Latitude:    first.Latitude,
		Longitude:   first.Longitude,
		Altitude:    first.Altitude,
		Kind:        first.Kind,
		Status:      el.Status,
		Confidence:  el.Confidence,
		ImageURL:    mediaURL,
		Description: el.Description,
		Time:        first.Time,
	}, true
}

// persist groups records by destination and performs one bulk append per
// group, preserving classified order. Detection writes follow; a detection
// failure is logged but does not roll back the location writes.
func (p *Pipeline) persist(ctx context.Context, records []model.PointRecord, detections []model.Detection) (map[string]int, error) {
	grouped := make(map[model.Destination][]model.PointRecord)
	for _, rec := range records {
		dest := model.DestinationFor(rec.Kind)
		grouped[dest] = append(grouped[dest], rec)
	}

	counts := make(map[string]int)
	for dest, group := range grouped {
		n, err := p.store.AppendPoints(ctx, dest, group)
		if err != nil {
			return nil, err
		}
		counts[string(dest)] = n
	}

	for _, d := range detections {
		if err := p.store.InsertDetection(ctx, d); err != nil {
			p.logger.Error("failed to persist detection", "camera", d.CameraID, "device", d.DeviceID, "error", err)
			continue
		}
		counts[string(model.DestDetections)]++
	}

	return counts, nil
}

func (p *Pipeline) recordIngestionError(ctx context.Context, origin string, payload []byte, cause error) {
	entry := model.IngestionError{
		Origin:  origin,
		Payload: truncateString(string(payload), 4096),
		Error:   cause.Error(),
	}
	if err := p.store.InsertIngestionError(ctx, entry); err != nil && !errors.Is(err, store.ErrNotReady) {
		p.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

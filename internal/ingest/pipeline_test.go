package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"skywatch/go-telemetry-server/internal/hub"
	"skywatch/go-telemetry-server/internal/media"
	"skywatch/go-telemetry-server/internal/model"
	"skywatch/go-telemetry-server/internal/store"
)

// captureConn records every delivered event for assertions.
type captureConn struct {
	id   string
	fail bool

	mu     sync.Mutex
	events []string
}

func (c *captureConn) ID() string { return c.id }

func (c *captureConn) Send(event string, payload []byte) error {
	if c.fail {
		return errors.New("connection gone")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func testPipeline(t *testing.T, ready bool) (*Pipeline, *store.Store, *hub.Hub) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if ready {
		if err := st.InitSchema(context.Background()); err != nil {
			t.Fatalf("init schema: %v", err)
		}
	}

	sideloader, err := media.NewSideloader(t.TempDir(), "http://test", logger)
	if err != nil {
		t.Fatalf("new sideloader: %v", err)
	}

	h := hub.New(logger)
	p := NewPipeline(NewHeuristicClassifier(), sideloader, st, h, logger)
	return p, st, h
}

// TestIngestStoresAndBroadcasts runs one valid drone report through the
// pipeline and expects a stored row, an ok ack, and one broadcast to every
// registered connection, the sender included.
func TestIngestStoresAndBroadcasts(t *testing.T) {
	p, st, h := testPipeline(t, true)

	sender := &captureConn{id: "sender"}
	other := &captureConn{id: "other"}
	h.Register(sender)
	h.Register(other)

	payload := []byte(`{"deviceId":"MYDRONE-1","latitude":41.0,"longitude":29.0,"altitude":100,"time":1000}`)
	ack := p.Ingest(context.Background(), "test", payload)

	if ack.Status != model.AckOK {
		t.Fatalf("ack status = %q (%s), want ok", ack.Status, ack.Message)
	}
	if ack.Counts["my_drones"] != 1 {
		t.Errorf("counts = %v, want my_drones:1", ack.Counts)
	}

	for _, conn := range []*captureConn{sender, other} {
		if got := conn.received(); got != 1 {
			t.Errorf("conn %s received %d broadcasts, want 1", conn.ID(), got)
		}
	}

	points, err := st.RecentPoints(context.Background(), model.DestMyDrones, 10, nil)
	if err != nil {
		t.Fatalf("recent points: %v", err)
	}
	if len(points) != 1 || points[0].EntityID != "MYDRONE-1" {
		t.Fatalf("unexpected stored points: %+v", points)
	}
	if points[0].Kind != model.KindDrone {
		t.Errorf("stored kind = %q, want drone", points[0].Kind)
	}
}

// TestIngestBatchSplitsDestinations classifies a mixed batch and expects one
// bulk append per destination plus a single broadcast.
func TestIngestBatchSplitsDestinations(t *testing.T) {
	p, st, h := testPipeline(t, true)

	watcher := &captureConn{id: "watcher"}
	h.Register(watcher)

	payload := []byte(`[
		{"deviceId":"MYDRONE-1","latitude":1,"longitude":2},
		{"deviceId":"TARGET-9","latitude":3,"longitude":4},
		{"deviceId":"CAM-001","latitude":5,"longitude":6,"isCameraData":true,"name":"North Gate","status":"online"}
	]`)
	ack := p.Ingest(context.Background(), "test", payload)

	if ack.Status != model.AckOK {
		t.Fatalf("ack status = %q (%s), want ok", ack.Status, ack.Message)
	}
	for _, dest := range []string{"my_drones", "opponents", "cameras"} {
		if ack.Counts[dest] != 1 {
			t.Errorf("counts[%s] = %d, want 1", dest, ack.Counts[dest])
		}
	}
	if got := watcher.received(); got != 1 {
		t.Errorf("watcher received %d broadcasts, want exactly 1 for the batch", got)
	}

	cameras, err := st.Cameras(context.Background())
	if err != nil {
		t.Fatalf("cameras: %v", err)
	}
	if len(cameras) != 1 || cameras[0].Camera == nil || cameras[0].Camera.Name != "North Gate" {
		t.Fatalf("unexpected cameras: %+v", cameras)
	}
}

// TestIngestInvalidPayload expects an error ack and no broadcast for a
// payload that cannot be decoded.
func TestIngestInvalidPayload(t *testing.T) {
	p, _, h := testPipeline(t, true)

	watcher := &captureConn{id: "watcher"}
	h.Register(watcher)

	ack := p.Ingest(context.Background(), "test", []byte("not json"))
	if ack.Status != model.AckError {
		t.Fatalf("ack status = %q, want error", ack.Status)
	}
	if got := watcher.received(); got != 0 {
		t.Errorf("watcher received %d broadcasts, want 0", got)
	}
}

// TestIngestNoValidPoints expects a no_data ack when every element is
// dropped by the normalizer.
func TestIngestNoValidPoints(t *testing.T) {
	p, _, _ := testPipeline(t, true)

	ack := p.Ingest(context.Background(), "test", []byte(`{"deviceId":"D1"}`))
	if ack.Status != model.AckNoData {
		t.Fatalf("ack status = %q, want no_data", ack.Status)
	}
}

// TestIngestMediaFailureIsolated feeds an undecodable media payload and
// expects the location data to survive with an empty media URL.
func TestIngestMediaFailureIsolated(t *testing.T) {
	p, st, _ := testPipeline(t, true)

	payload := []byte(`{"deviceId":"TARGET-1","latitude":1,"longitude":2,"imageData":"%%%not-base64%%%"}`)
	ack := p.Ingest(context.Background(), "test", payload)

	if ack.Status != model.AckOK {
		t.Fatalf("ack status = %q (%s), want ok", ack.Status, ack.Message)
	}

	points, err := st.RecentPoints(context.Background(), model.DestOpponents, 10, nil)
	if err != nil {
		t.Fatalf("recent points: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 stored point, got %d", len(points))
	}
	if points[0].MediaURL != "" {
		t.Errorf("media url = %q, want empty after decode failure", points[0].MediaURL)
	}
}

// TestIngestDetection checks that a media-bearing report naming a camera
// also produces a detection row.
func TestIngestDetection(t *testing.T) {
	p, st, _ := testPipeline(t, true)

	image := base64.StdEncoding.EncodeToString([]byte("jpeg bytes"))
	payload := fmt.Sprintf(`{"deviceId":"TARGET-3","cameraId":"CAM-001","latitude":1,"longitude":2,"time":500,"imageData":"%s"}`, image)

	ack := p.Ingest(context.Background(), "test", []byte(payload))
	if ack.Status != model.AckOK {
		t.Fatalf("ack status = %q (%s), want ok", ack.Status, ack.Message)
	}
	if ack.Counts["detections"] != 1 {
		t.Errorf("counts = %v, want detections:1", ack.Counts)
	}

	detections, err := st.RecentDetections(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent detections: %v", err)
	}
	if len(detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(detections))
	}
	d := detections[0]
	if d.CameraID != "CAM-001" || d.DeviceID != "TARGET-3" {
		t.Errorf("detection = %+v, want camera CAM-001 and device TARGET-3", d)
	}
	if d.ImageURL == "" {
		t.Errorf("detection image url is empty, want sideloaded reference")
	}
}

// TestIngestStoreNotReady expects a retryable error ack and no broadcast
// while the schema has not been initialized.
func TestIngestStoreNotReady(t *testing.T) {
	p, _, h := testPipeline(t, false)

	watcher := &captureConn{id: "watcher"}
	h.Register(watcher)

	payload := []byte(`{"deviceId":"MYDRONE-1","latitude":1,"longitude":2}`)
	ack := p.Ingest(context.Background(), "test", payload)

	if ack.Status != model.AckError {
		t.Fatalf("ack status = %q, want error", ack.Status)
	}
	if got := watcher.received(); got != 0 {
		t.Errorf("watcher received %d broadcasts, want 0 for rejected batch", got)
	}
}

// TestIngestBroadcastFailureIsolated checks one dead connection does not
// stop delivery to the rest.
func TestIngestBroadcastFailureIsolated(t *testing.T) {
	p, _, h := testPipeline(t, true)

	dead := &captureConn{id: "dead", fail: true}
	alive := &captureConn{id: "alive"}
	h.Register(dead)
	h.Register(alive)

	payload := []byte(`{"deviceId":"MYDRONE-1","latitude":1,"longitude":2}`)
	ack := p.Ingest(context.Background(), "test", payload)

	if ack.Status != model.AckOK {
		t.Fatalf("ack status = %q (%s), want ok", ack.Status, ack.Message)
	}
	if got := alive.received(); got != 1 {
		t.Errorf("alive conn received %d broadcasts, want 1", got)
	}
}

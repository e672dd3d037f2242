package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"skywatch/go-telemetry-server/internal/config"
	"skywatch/go-telemetry-server/internal/hub"
	"skywatch/go-telemetry-server/internal/ingest"
	"skywatch/go-telemetry-server/internal/media"
	"skywatch/go-telemetry-server/internal/model"
	"skywatch/go-telemetry-server/internal/mqttbroker"
	"skywatch/go-telemetry-server/internal/store"
	"skywatch/go-telemetry-server/internal/wsserver"
)

// App wires together the Skywatch services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	hub      *hub.Hub
	pipeline *ingest.Pipeline
	broker   *mqttbroker.Broker
	wss      *wsserver.Server
	mdns     *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	a.applyPersistedConfig(ctx)

	sideloader, err := media.NewSideloader(a.cfg.MediaRoot, a.cfg.MediaBaseURL, a.logger)
	if err != nil {
		return err
	}

	classifier := ingest.NewRegistryClassifier(a.cfg.EntityRegistry, ingest.NewHeuristicClassifier())

	a.hub = hub.New(a.logger)
	a.pipeline = ingest.NewPipeline(classifier, sideloader, a.store, a.hub, a.logger)
	a.wss = wsserver.New(a.hub, a.pipeline, a.store, a.logger, a.cfg.SnapshotOnConnect, a.cfg.SnapshotLimit)

	broker := mqttbroker.New(a.logger, a.hub, a.cfg.IngestTopic, a.cfg.UpdatesTopic)
	broker.SetPublishHandler(a.handleTelemetryPublish)
	brokerErrCh, err := broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}
	a.broker = broker

	if err := a.startMDNS(mqttPortOf(a.cfg.MQTTBindAddress)); err != nil {
		a.logger.Warn("mDNS advertisement unavailable", "error", err)
	}
	defer a.stopMDNS()

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			if err := a.broker.Stop(); err != nil {
				return err
			}
			a.logger.Info("mqtt broker stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				_ = a.broker.Stop()
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.broker.Stop()
				return err
			}
		}
	}
}

// handleTelemetryPublish processes one telemetry publish from the pub/sub
// transport and returns the acknowledgement on the client's ack topic.
func (a *App) handleTelemetryPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	ingestCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ack := a.pipeline.Ingest(ingestCtx, "mqtt:"+msg.ClientID, msg.Payload)

	payload, err := json.Marshal(ack)
	if err != nil {
		a.logger.Error("failed to encode ack", "client", msg.ClientID, "error", err)
		return
	}
	if err := a.broker.PublishTo(msg.ClientID, a.cfg.AckTopicPrefix+msg.ClientID, payload); err != nil {
		a.logger.Warn("failed to deliver ack", "client", msg.ClientID, "error", err)
	}
}

// applyPersistedConfig overlays stored overrides onto the booted config.
func (a *App) applyPersistedConfig(ctx context.Context) {
	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(loadCtx)
	if err != nil {
		a.logger.Warn("failed to load persisted config", "error", err)
		return
	}

	if v, ok := persisted["snapshot_on_connect"]; ok {
		if enabled, err := strconv.ParseBool(v); err == nil {
			a.cfg.SnapshotOnConnect = enabled
		}
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/ws", a.wss.Handler())
	mux.HandleFunc("/api/points", a.handleRecentPoints)
	mux.HandleFunc("/api/cameras", a.handleCameras)
	mux.HandleFunc("/api/detections", a.handleDetections)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/admin/wipe", a.handleWipeDatabase)
	mux.Handle("/media/", http.StripPrefix("/media/", http.FileServer(http.Dir(a.cfg.MediaRoot))))
	mux.HandleFunc("/", a.handleIndex)

	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || !a.store.Ready() || a.broker == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleRecentPoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dest := model.DestOpponents
	switch r.URL.Query().Get("collection") {
	case "", "opponents":
	case "my_drones":
		dest = model.DestMyDrones
	default:
		http.Error(w, "unknown collection", http.StatusBadRequest)
		return
	}

	var sinceOpt *time.Time
	if since := r.URL.Query().Get("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339Nano, since); err == nil {
			sinceOpt = &ts
		} else if ts, err := time.Parse(time.RFC3339, since); err == nil {
			sinceOpt = &ts
		}
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 1000 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	points, err := a.store.RecentPoints(ctx, dest, limit, sinceOpt)
	if err != nil {
		a.respondStoreError(w, "failed to load points", err)
		return
	}

	response := struct {
		Points []model.StoredPoint `json:"points"`
	}{Points: points}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode points response", "error", err)
	}
}

func (a *App) handleCameras(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	cameras, err := a.store.Cameras(ctx)
	if err != nil {
		a.respondStoreError(w, "failed to load cameras", err)
		return
	}

	response := struct {
		Cameras []model.PointRecord `json:"cameras"`
	}{Cameras: cameras}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode cameras response", "error", err)
	}
}

func (a *App) handleDetections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 1000 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	detections, err := a.store.RecentDetections(ctx, limit)
	if err != nil {
		a.respondStoreError(w, "failed to load detections", err)
		return
	}

	response := struct {
		Detections []model.Detection `json:"detections"`
	}{Detections: detections}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode detections response", "error", err)
	}
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.serveConfig(w, r)
	case http.MethodPost:
		a.updateConfig(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.respondStoreError(w, "failed to load config", err)
		return
	}

	active := map[string]any{
		"http_port":           a.cfg.HTTPPort,
		"mqtt_bind":           a.cfg.MQTTBindAddress,
		"database_path":       a.cfg.DatabasePath,
		"media_root":          a.cfg.MediaRoot,
		"media_base_url":      a.cfg.MediaBaseURL,
		"log_level":           a.cfg.LogLevel,
		"snapshot_on_connect": a.cfg.SnapshotOnConnect,
		"ingest_topic":        a.cfg.IngestTopic,
		"updates_topic":       a.cfg.UpdatesTopic,
	}

	response := struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{
		Active:    active,
		Persisted: persisted,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode config response", "error", err)
	}
}

func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SnapshotOnConnect *bool `json:"snapshot_on_connect"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if req.SnapshotOnConnect == nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"no supported fields provided"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	value := strconv.FormatBool(*req.SnapshotOnConnect)
	if err := a.store.UpsertAppConfig(ctx, "snapshot_on_connect", value); err != nil {
		a.respondStoreError(w, "failed to persist config", err)
		return
	}

	resp := struct {
		Key             string `json:"key"`
		Value           string `json:"value"`
		RequiresRestart bool   `json:"requires_restart"`
	}{
		Key:             "snapshot_on_connect",
		Value:           value,
		RequiresRestart: true,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("failed to encode update response", "error", err)
	}
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		http.Error(w, "confirmation required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeData(ctx); err != nil {
		a.respondStoreError(w, "failed to wipe data", err)
		return
	}

	a.logger.Warn("wipe: all telemetry cleared")
	w.WriteHeader(http.StatusNoContent)
}

// respondStoreError maps a not-ready store to 503 so clients retry instead
// of treating the failure as permanent.
func (a *App) respondStoreError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, store.ErrNotReady) {
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	a.logger.Error(message, "error", err)
	http.Error(w, message, http.StatusInternalServerError)
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	fileServer := http.FileServer(http.Dir("web"))
	fileServer.ServeHTTP(w, r)
}

// mqttPortOf extracts the TCP port from a bind address like ":1883".
func mqttPortOf(bind string) int {
	idx := strings.LastIndex(bind, ":")
	if idx < 0 {
		return 0
	}
	port, err := strconv.Atoi(bind[idx+1:])
	if err != nil {
		return 0
	}
	return port
}

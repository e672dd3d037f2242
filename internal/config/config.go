package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"skywatch/go-telemetry-server/internal/model"
)

// Config lists the tunable parameters for the Skywatch telemetry server.
type Config struct {
	HTTPPort          int
	MQTTBindAddress   string
	DatabasePath      string
	MediaRoot         string
	MediaBaseURL      string
	LogLevel          string
	SnapshotOnConnect bool
	SnapshotLimit     int
	IngestTopic       string
	UpdatesTopic      string
	AckTopicPrefix    string

	// EntityRegistry maps explicit entity ids to their kind, overriding the
	// naming-convention heuristic for registered devices.
	EntityRegistry map[string]model.Kind
}

const (
	defaultHTTPPort        = 4001
	defaultMQTTBindAddress = ":1883"
	defaultDatabasePath    = "data/skywatch.db"
	defaultMediaRoot       = "data/media"
	defaultLogLevel        = "info"
	defaultSnapshotLimit   = 500
	defaultIngestTopic     = "telemetry/ingest"
	defaultUpdatesTopic    = "telemetry/updates"
	defaultAckTopicPrefix  = "telemetry/ack/"
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:          defaultHTTPPort,
		MQTTBindAddress:   defaultMQTTBindAddress,
		DatabasePath:      defaultDatabasePath,
		MediaRoot:         defaultMediaRoot,
		LogLevel:          defaultLogLevel,
		SnapshotOnConnect: true,
		SnapshotLimit:     defaultSnapshotLimit,
		IngestTopic:       defaultIngestTopic,
		UpdatesTopic:      defaultUpdatesTopic,
		AckTopicPrefix:    defaultAckTopicPrefix,
		EntityRegistry:    map[string]model.Kind{},
	}

	if v := os.Getenv("SKYWATCH_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SKYWATCH_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("SKYWATCH_MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("SKYWATCH_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("SKYWATCH_MEDIA_ROOT"); v != "" {
		cfg.MediaRoot = v
	}

	if v := os.Getenv("SKYWATCH_MEDIA_BASE_URL"); v != "" {
		cfg.MediaBaseURL = strings.TrimRight(v, "/")
	}

	if v := os.Getenv("SKYWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("SKYWATCH_SNAPSHOT_ON_CONNECT"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SKYWATCH_SNAPSHOT_ON_CONNECT: %w", err)
		}
		cfg.SnapshotOnConnect = enabled
	}

	if v := os.Getenv("SKYWATCH_SNAPSHOT_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SKYWATCH_SNAPSHOT_LIMIT: %w", err)
		}
		cfg.SnapshotLimit = limit
	}

	if v := os.Getenv("SKYWATCH_INGEST_TOPIC"); v != "" {
		cfg.IngestTopic = v
	}

	if v := os.Getenv("SKYWATCH_UPDATES_TOPIC"); v != "" {
		cfg.UpdatesTopic = v
	}

	if v := os.Getenv("SKYWATCH_ENTITY_REGISTRY"); v != "" {
		registry, err := parseRegistry(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SKYWATCH_ENTITY_REGISTRY: %w", err)
		}
		cfg.EntityRegistry = registry
	}

	// Media URLs default to the HTTP server's own address.
	if cfg.MediaBaseURL == "" {
		cfg.MediaBaseURL = fmt.Sprintf("http://localhost:%d", cfg.HTTPPort)
	}

	return cfg, nil
}

// parseRegistry reads "DRONE-TH-001=drone,CAM-009=camera" style mappings.
func parseRegistry(raw string) (map[string]model.Kind, error) {
	registry := make(map[string]model.Kind)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, kind, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed entry %q (want id=kind)", pair)
		}
		id = strings.TrimSpace(id)
		switch k := model.Kind(strings.TrimSpace(kind)); k {
		case model.KindDrone, model.KindOpponent, model.KindCamera:
			registry[id] = k
		default:
			return nil, fmt.Errorf("unknown kind %q for %q", kind, id)
		}
	}
	return registry, nil
}

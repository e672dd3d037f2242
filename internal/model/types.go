package model

// Kind is the entity category assigned by the classifier.
type Kind string

const (
	KindDrone    Kind = "drone"
	KindOpponent Kind = "opponent"
	KindCamera   Kind = "camera"
)

// Destination names the durable collection a classified record is appended to.
type Destination string

const (
	DestMyDrones   Destination = "my_drones"
	DestOpponents  Destination = "opponents"
	DestCameras    Destination = "cameras"
	DestDetections Destination = "detections"
)

// DestinationFor maps an entity kind to its storage destination.
func DestinationFor(k Kind) Destination {
	switch k {
	case KindDrone:
		return DestMyDrones
	case KindCamera:
		return DestCameras
	default:
		return DestOpponents
	}
}

// UnknownDevice is the sentinel entity id assigned when a report carries none.
const UnknownDevice = "unknown_device"

// Alert severities carried alongside a point record. Severity is kept apart
// from the entity kind; the two were historically conflated in one field.
const (
	SeverityWarning = "warning"
	SeverityDanger  = "danger"
	SeveritySuccess = "success"
)

// CameraMeta holds the fixed-camera attributes a camera report may carry.
type CameraMeta struct {
	Name           string  `json:"name,omitempty"`
	Status         string  `json:"status,omitempty"`
	Direction      float64 `json:"direction,omitempty"`
	FOV            float64 `json:"fov,omitempty"`
	DetectionRange float64 `json:"detectionRange,omitempty"`
}

// PointRecord is the canonical single-location telemetry unit produced by the
// normalizer. Latitude and longitude are always present and finite; records
// violating that never leave the normalizer.
type PointRecord struct {
	EntityID      string      `json:"deviceId"`
	CorrelationID string      `json:"cameraId,omitempty"`
	Time          int64       `json:"time"`
	Latitude      float64     `json:"latitude"`
	Longitude     float64     `json:"longitude"`
	Altitude      float64     `json:"altitude"`
	Kind          Kind        `json:"kind,omitempty"`
	Severity      string      `json:"severity,omitempty"`
	MediaURL      string      `json:"mediaUrl,omitempty"`
	Camera        *CameraMeta `json:"camera,omitempty"`

	// Hints carries the explicit class flags from the raw element. They feed
	// the classifier and are not part of the wire record.
	Hints ClassHints `json:"-"`
}

// ClassHints are the optional explicit class flags a raw element may declare.
type ClassHints struct {
	IsCameraData bool
	IsMyDrone    bool
}

// Detection links a camera, a detected target, and optional media evidence.
// One row per detection event, append-only.
type Detection struct {
	CameraID    string  `json:"cameraId"`
	DeviceID    string  `json:"deviceId"`
	TargetID    string  `json:"targetId,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Altitude    float64 `json:"altitude"`
	Kind        Kind    `json:"kind,omitempty"`
	Status      string  `json:"status,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	ImageURL    string  `json:"imageUrl,omitempty"`
	Description string  `json:"description,omitempty"`
	Time        int64   `json:"time"`
}

// Ack statuses returned to the originating connection.
const (
	AckOK     = "ok"
	AckNoData = "no_data"
	AckError  = "error"
)

// Ack is the unicast acknowledgement sent back to the sender of an ingestion
// event, summarizing rows written per destination.
type Ack struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Counts  map[string]int `json:"counts,omitempty"`
}

// IngestionError captures a payload that failed to decode or validate.
type IngestionError struct {
	Origin  string `json:"origin"`
	Payload string `json:"payload"`
	Error   string `json:"error"`
}

// StoredPoint extends PointRecord with database metadata.
type StoredPoint struct {
	PointRecord
	ReceivedAt string `json:"receivedAt"`
}

package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// numField is a wire field that may hold a single number or an array of
// numbers (the trajectory shorthand). A value of the wrong JSON type is
// treated as absent rather than failing the whole element.
type numField struct {
	present bool
	isArray bool
	scalar  float64
	values  []float64
}

func (n *numField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '[' {
		var values []float64
		if err := json.Unmarshal(data, &values); err != nil {
			return nil
		}
		n.present = true
		n.isArray = true
		n.values = values
		return nil
	}
	var scalar float64
	if err := json.Unmarshal(data, &scalar); err != nil {
		return nil
	}
	n.present = true
	n.scalar = scalar
	return nil
}

// element is one decoded wire object. The ambiguity between scalar and
// array-valued fields stops here; nothing past the normalizer sees it.
type element struct {
	DeviceID       string   `json:"deviceId"`
	CameraID       string   `json:"cameraId"`
	DetectedBy     string   `json:"detectedBy"`
	Time           numField `json:"time"`
	Latitude       numField `json:"latitude"`
	Longitude      numField `json:"longitude"`
	Altitude       numField `json:"altitude"`
	Type           string   `json:"type"`
	IsCameraData   bool     `json:"isCameraData"`
	IsMyDrone      bool     `json:"isMyDrone"`
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	Direction      float64  `json:"direction"`
	FOV            float64  `json:"fov"`
	DetectionRange float64  `json:"detectionRange"`
	ImageData      string   `json:"imageData"`
	Image          string   `json:"image"`
	ImageBase64    string   `json:"imageBase64"`
	VideoData      string   `json:"videoData"`
	TargetID       string   `json:"targetId"`
	Confidence     float64  `json:"confidence"`
	Description    string   `json:"description"`
}

// correlationID returns the detecting-camera id, from either wire spelling.
func (e *element) correlationID() string {
	if e.CameraID != "" {
		return e.CameraID
	}
	return e.DetectedBy
}

// mediaPayload returns the first embedded media field and whether it holds
// video rather than image data.
func (e *element) mediaPayload() (data string, video bool) {
	switch {
	case e.ImageData != "":
		return e.ImageData, false
	case e.Image != "":
		return e.Image, false
	case e.ImageBase64 != "":
		return e.ImageBase64, false
	case e.VideoData != "":
		return e.VideoData, true
	}
	return "", false
}

// decodeBatch decodes an inbound payload into its element list. A bare
// object becomes a single-element batch; anything else is a decode error.
func decodeBatch(payload []byte) ([]element, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	if trimmed[0] == '[' {
		var batch []element
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		return batch, nil
	}

	var single element
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return []element{single}, nil
}

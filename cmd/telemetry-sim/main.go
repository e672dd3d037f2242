package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type telemetryPayload struct {
	DeviceID     string  `json:"deviceId"`
	CameraID     string  `json:"cameraId,omitempty"`
	Time         any     `json:"time,omitempty"`
	Latitude     any     `json:"latitude"`
	Longitude    any     `json:"longitude"`
	Altitude     any     `json:"altitude,omitempty"`
	Type         string  `json:"type,omitempty"`
	IsCameraData bool    `json:"isCameraData,omitempty"`
	IsMyDrone    bool    `json:"isMyDrone,omitempty"`
	Name         string  `json:"name,omitempty"`
	Status       string  `json:"status,omitempty"`
	Direction    float64 `json:"direction,omitempty"`
	FOV          float64 `json:"fov,omitempty"`
	ImageData    string  `json:"imageData,omitempty"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	deviceID := flag.String("device-id", "MYDRONE-SIM-1", "Telemetry device identifier")
	profile := flag.String("profile", "drone", "Payload profile: drone, opponent, camera, trajectory or detection")
	lat := flag.Float64("lat", 41.015, "Base latitude in degrees")
	lon := flag.Float64("lon", 28.979, "Base longitude in degrees")
	alt := flag.Float64("alt", 120, "Base altitude in meters")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published messages")
	count := flag.Int("count", 0, "Number of messages to publish before exiting (0 = run until interrupted)")
	imagePath := flag.String("image", "", "Path to an image attached to detection payloads as base64")
	watch := flag.Bool("watch", false, "Subscribe to the updates and ack topics and log broadcasts")

	flag.Parse()

	rand.Seed(time.Now().UnixNano())

	clientID := fmt.Sprintf("%s-sim-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	if *watch {
		logMessage := func(_ mqtt.Client, msg mqtt.Message) {
			log.Printf("received %s: %s", msg.Topic(), msg.Payload())
		}
		for _, topic := range []string{"telemetry/updates", "telemetry/ack/" + clientID} {
			if token := client.Subscribe(topic, 0, logMessage); token.Wait() && token.Error() != nil {
				log.Fatalf("failed to subscribe to %s: %v", topic, token.Error())
			}
		}
	}

	var imageData string
	if *imagePath != "" {
		raw, err := os.ReadFile(*imagePath)
		if err != nil {
			log.Fatalf("failed to read image: %v", err)
		}
		imageData = base64.StdEncoding.EncodeToString(raw)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	seq := 0
	publish := func() {
		payload := buildPayload(*profile, *deviceID, *lat, *lon, *alt, imageData, seq)
		seq++

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		token := client.Publish("telemetry/ingest", 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published telemetry/ingest profile=%s device=%s", *profile, *deviceID)
	}

	publish()
	published := 1

	for {
		if *count > 0 && published >= *count {
			log.Print("publish count reached, disconnecting")
			client.Disconnect(250)
			return
		}
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
			published++
		}
	}
}

func buildPayload(profile, deviceID string, lat, lon, alt float64, imageData string, seq int) any {
	jlat := lat + jitter(0.002)
	jlon := lon + jitter(0.002)
	jalt := alt + jitter(15)

	switch profile {
	case "opponent":
		return telemetryPayload{
			DeviceID:  deviceID,
			Time:      time.Now().Unix(),
			Latitude:  jlat,
			Longitude: jlon,
			Altitude:  jalt,
			Type:      "danger",
		}
	case "camera":
		return telemetryPayload{
			DeviceID:     deviceID,
			Latitude:     lat,
			Longitude:    lon,
			IsCameraData: true,
			Name:         deviceID,
			Status:       "online",
			Direction:    float64((seq * 15) % 360),
			FOV:          60,
		}
	case "trajectory":
		const steps = 5
		base := time.Now().Unix()
		lats := make([]float64, steps)
		lons := make([]float64, steps)
		alts := make([]float64, steps)
		times := make([]int64, steps)
		for i := 0; i < steps; i++ {
			lats[i] = lat + float64(i)*0.001
			lons[i] = lon + float64(i)*0.001
			alts[i] = alt + float64(i)*5
			times[i] = base + int64(i)
		}
		return telemetryPayload{
			DeviceID:  deviceID,
			Time:      times,
			Latitude:  lats,
			Longitude: lons,
			Altitude:  alts,
		}
	case "detection":
		return telemetryPayload{
			DeviceID:  deviceID,
			CameraID:  "CAM-SIM-1",
			Time:      time.Now().Unix(),
			Latitude:  jlat,
			Longitude: jlon,
			Altitude:  jalt,
			Type:      "warning",
			ImageData: imageData,
		}
	default:
		return telemetryPayload{
			DeviceID:  deviceID,
			Time:      time.Now().Unix(),
			Latitude:  jlat,
			Longitude: jlon,
			Altitude:  jalt,
			IsMyDrone: true,
		}
	}
}

func jitter(scale float64) float64 {
	return (rand.Float64()*2 - 1) * scale
}

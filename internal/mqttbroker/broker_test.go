package mqttbroker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"skywatch/go-telemetry-server/internal/hub"
)

func startTestBroker(t *testing.T) (*Broker, *hub.Hub) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.New(logger)
	b := New(logger, h, "telemetry/ingest", "telemetry/updates")

	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start broker: %v", err)
	}
	t.Cleanup(func() { b.Stop() })
	return b, h
}

// testClient speaks just enough MQTT 3.1.1 to exercise the broker.
type testClient struct {
	t    *testing.T
	conn net.Conn
	rd   *bufio.Reader
}

func dialBroker(t *testing.T, b *Broker, clientID string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", b.Addr().String())
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	c := &testClient{t: t, conn: conn, rd: bufio.NewReader(conn)}

	var body []byte
	body = append(body, encodeTestString("MQTT")...)
	body = append(body, 4, 0x02, 0x00, 0x3C)
	body = append(body, encodeTestString(clientID)...)
	c.writePacket(0x10, body)

	header, ack := c.readPacket()
	if header != 0x20 || !bytes.Equal(ack, []byte{0x00, 0x00}) {
		t.Fatalf("connack = %#x %v, want accepted connection", header, ack)
	}
	return c
}

func encodeTestString(s string) []byte {
	out := []byte{byte(len(s) >> 8), byte(len(s) & 0xFF)}
	return append(out, s...)
}

func (c *testClient) writePacket(header byte, body []byte) {
	c.t.Helper()
	packet := append([]byte{header}, encodeRemainingLength(len(body))...)
	packet = append(packet, body...)
	if _, err := c.conn.Write(packet); err != nil {
		c.t.Fatalf("write packet %#x: %v", header, err)
	}
}

func (c *testClient) readPacket() (byte, []byte) {
	c.t.Helper()
	header, err := c.rd.ReadByte()
	if err != nil {
		c.t.Fatalf("read header: %v", err)
	}
	remaining, err := readVarInt(c.rd)
	if err != nil {
		c.t.Fatalf("read remaining length: %v", err)
	}
	body := make([]byte, remaining)
	if _, err := io.ReadFull(c.rd, body); err != nil {
		c.t.Fatalf("read body: %v", err)
	}
	return header, body
}

func (c *testClient) subscribe(topic string, packetID uint16) {
	c.t.Helper()
	body := []byte{byte(packetID >> 8), byte(packetID & 0xFF)}
	body = append(body, encodeTestString(topic)...)
	body = append(body, 0x00)
	c.writePacket(0x82, body)

	header, _ := c.readPacket()
	if header != 0x90 {
		c.t.Fatalf("expected suback, got packet %#x", header)
	}
}

func (c *testClient) unsubscribe(topic string, packetID uint16) {
	c.t.Helper()
	body := []byte{byte(packetID >> 8), byte(packetID & 0xFF)}
	body = append(body, encodeTestString(topic)...)
	c.writePacket(0xA2, body)

	header, _ := c.readPacket()
	if header != 0xB0 {
		c.t.Fatalf("expected unsuback, got packet %#x", header)
	}
}

func (c *testClient) publish(topic string, payload []byte) {
	c.t.Helper()
	body := encodeTestString(topic)
	body = append(body, payload...)
	c.writePacket(0x30, body)
}

func (c *testClient) expectPublish(topic string) []byte {
	c.t.Helper()
	header, body := c.readPacket()
	if header>>4 != packetPublish {
		c.t.Fatalf("expected publish, got packet %#x", header)
	}
	msg, err := parsePublish(header, body)
	if err != nil {
		c.t.Fatalf("parse publish: %v", err)
	}
	if msg.Topic != topic {
		c.t.Fatalf("publish topic = %q, want %q", msg.Topic, topic)
	}
	return msg.Payload
}

func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	if b, err := c.rd.ReadByte(); err == nil {
		c.t.Fatalf("expected no delivery, got byte %#x", b)
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestUpdatesSubscriberJoinsHub checks that subscribing to the updates
// topic joins the broadcast set, that hub broadcasts arrive as PUBLISH
// frames on that topic, and that unsubscribing leaves the set again.
func TestUpdatesSubscriberJoinsHub(t *testing.T) {
	b, h := startTestBroker(t)

	client := dialBroker(t, b, "dash-1")
	client.subscribe("telemetry/updates", 1)

	if got := h.Count(); got != 1 {
		t.Fatalf("hub count after subscribe = %d, want 1", got)
	}

	payload := []byte(`[{"deviceId":"MYDRONE-1","latitude":1,"longitude":2}]`)
	h.Broadcast(hub.EventNewData, payload)

	if got := client.expectPublish("telemetry/updates"); !bytes.Equal(got, payload) {
		t.Errorf("broadcast payload = %q, want %q", got, payload)
	}

	client.unsubscribe("telemetry/updates", 2)
	waitFor(t, func() bool { return h.Count() == 0 }, "hub to drop the subscriber")
}

// TestIngestPublishRoutesToHandler verifies an ingest-topic publish runs
// through the installed handler, the acknowledgement comes back on the
// client's own ack topic, and the raw payload is not forwarded to other
// ingest-topic subscribers.
func TestIngestPublishRoutesToHandler(t *testing.T) {
	b, _ := startTestBroker(t)

	b.SetPublishHandler(func(ctx context.Context, msg PublishMessage) {
		ack := []byte(`{"status":"ok","message":"stored 1 points"}`)
		if err := b.PublishTo(msg.ClientID, "telemetry/ack/"+msg.ClientID, ack); err != nil {
			t.Errorf("publish ack: %v", err)
		}
	})

	watcher := dialBroker(t, b, "watcher-1")
	watcher.subscribe("telemetry/ingest", 1)

	sender := dialBroker(t, b, "sensor-1")
	sender.publish("telemetry/ingest", []byte(`{"deviceId":"MYDRONE-1","latitude":1,"longitude":2}`))

	got := sender.expectPublish("telemetry/ack/sensor-1")
	if !bytes.Contains(got, []byte(`"status":"ok"`)) {
		t.Errorf("ack payload = %q, want ok status", got)
	}

	// The hub is the only fan-out path for telemetry.
	watcher.expectSilence(200 * time.Millisecond)
}

// TestPublishToUnknownClient expects an error when no session matches.
func TestPublishToUnknownClient(t *testing.T) {
	b, _ := startTestBroker(t)

	if err := b.PublishTo("nobody", "telemetry/ack/nobody", []byte(`{}`)); err == nil {
		t.Error("expected error for unknown client")
	}
}

// TestRoomPublishForwardsToSubscribers checks plain-topic publishes reach
// subscribed sessions only, excluding the publisher itself.
func TestRoomPublishForwardsToSubscribers(t *testing.T) {
	b, _ := startTestBroker(t)

	sub := dialBroker(t, b, "sub-1")
	sub.subscribe("room/alerts", 1)

	bystander := dialBroker(t, b, "bystander-1")

	pub := dialBroker(t, b, "pub-1")
	pub.subscribe("room/alerts", 1)
	pub.publish("room/alerts", []byte("perimeter breach"))

	if got := sub.expectPublish("room/alerts"); string(got) != "perimeter breach" {
		t.Errorf("forwarded payload = %q", got)
	}
	bystander.expectSilence(200 * time.Millisecond)
	pub.expectSilence(200 * time.Millisecond)
}

// TestConcurrentSubscribeAndPublish churns one session's subscriptions
// while another session's publishes scan the registry; the race detector
// verifies the session state locking.
func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b, _ := startTestBroker(t)

	subscriber := dialBroker(t, b, "churn-sub")
	publisher := dialBroker(t, b, "churn-pub")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			publisher.publish("room/ping", []byte("ping"))
		}
	}()
	for i := 0; i < 50; i++ {
		subscriber.subscribe(fmt.Sprintf("churn/%d", i), uint16(i+1))
	}
	<-done
}

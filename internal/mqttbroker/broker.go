package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"skywatch/go-telemetry-server/internal/hub"
)

// PublishMessage represents a QoS 0 publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each publish received on the ingest topic.
type Handler func(context.Context, PublishMessage)

type session struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	hubID   string
	closed  atomic.Bool

	// mu guards subscriptions and clientID: both are written by the
	// session's own read loop while broker-wide publishes read them from
	// other goroutines.
	mu            sync.Mutex
	subscriptions map[string]struct{}
	clientID      string
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}),
		hubID:         "mqtt-" + uuid.NewString(),
	}
}

func (c *session) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[topic]
	return ok
}

func (c *session) addSubscription(topic string) {
	c.mu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.mu.Unlock()
}

func (c *session) removeAllSubscriptions() {
	c.mu.Lock()
	c.subscriptions = make(map[string]struct{})
	c.mu.Unlock()
}

func (c *session) id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *session) setID(id string) {
	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
}

func (c *session) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// updatesConn adapts a session subscribed to the updates topic to the hub's
// Conn interface; broadcasts arrive as PUBLISH packets on that topic.
type updatesConn struct {
	session *session
	topic   string
}

func (u *updatesConn) ID() string { return u.session.hubID }

func (u *updatesConn) Send(event string, payload []byte) error {
	packet, err := buildPublishPacket(u.topic, payload)
	if err != nil {
		return err
	}
	return u.session.writePacket(packet)
}

// Broker is a minimal MQTT v3.1.1 broker that serves as the room-based
// pub/sub transport of the telemetry server. Publishes to the ingest topic
// run through the installed handler instead of being forwarded raw; clients
// that subscribe to the updates topic join the broadcast hub.
type Broker struct {
	logger       *slog.Logger
	hub          *hub.Hub
	ingestTopic  string
	updatesTopic string

	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*session]struct{}
}

// New constructs a broker bound to the hub and the configured topics.
func New(logger *slog.Logger, h *hub.Hub, ingestTopic, updatesTopic string) *Broker {
	b := &Broker{
		logger:       logger,
		hub:          h,
		ingestTopic:  ingestTopic,
		updatesTopic: updatesTopic,
		clients:      make(map[*session]struct{}),
	}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", bind)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Temporary() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			sess := newSession(conn)
			b.addClient(sess)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(sess)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the broker's listen address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for sess := range b.clients {
		sess.closed.Store(true)
		b.hub.Unregister(sess.hubID)
		_ = sess.conn.Close()
	}
	b.clients = make(map[*session]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each ingest-topic publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish sends a QoS 0 message to all clients subscribed to the topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return err
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for sess := range b.clients {
		if sess.subscribed(topic) {
			if err := sess.writePacket(packet); err != nil {
				b.logger.Warn("publish to subscriber failed", "client", sess.id(), "error", err)
			}
		}
	}
	return nil
}

// PublishTo sends a QoS 0 message to every connected session with the given
// client id, regardless of its subscriptions. This carries the unicast
// ingestion acknowledgement back to the publishing client.
func (b *Broker) PublishTo(clientID, topic string, payload []byte) error {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return err
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	delivered := false
	for sess := range b.clients {
		if sess.id() != clientID {
			continue
		}
		if err := sess.writePacket(packet); err != nil {
			b.logger.Warn("unicast to client failed", "client", clientID, "error", err)
			continue
		}
		delivered = true
	}
	if !delivered {
		return fmt.Errorf("client %q not connected", clientID)
	}
	return nil
}

func (b *Broker) addClient(sess *session) {
	b.clientsMu.Lock()
	b.clients[sess] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(sess *session) {
	b.clientsMu.Lock()
	delete(b.clients, sess)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(sess *session) {
	defer func() {
		sess.closed.Store(true)
		b.hub.Unregister(sess.hubID)
		b.removeClient(sess)
		_ = sess.conn.Close()
	}()

	ctx := context.Background()

	for {
		header, err := sess.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("read header error", "error", err)
			}
			return
		}

		remaining, err := readVarInt(sess.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(sess.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", "error", err)
			return
		}

		packetType := header >> 4

		switch packetType {
		case packetConnect:
			if err := b.handleConnect(sess, payload); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
		case packetPublish:
			msg, err := parsePublish(header, payload)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			msg.ClientID = sess.id()
			b.routePublish(ctx, msg, sess)
		case packetSubscribe:
			if err := b.handleSubscribe(sess, payload); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.writeUnsubAck(sess, payload); err != nil {
				b.logger.Debug("write unsuback error", "error", err)
				return
			}
			b.hub.Unregister(sess.hubID)
		case packetPingReq:
			if err := sess.writePacket([]byte{0xD0, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

// routePublish dispatches one inbound publish. Telemetry on the ingest topic
// goes through the handler (which persists and broadcasts via the hub); any
// other topic behaves as a plain pub/sub room and is forwarded raw.
func (b *Broker) routePublish(ctx context.Context, msg PublishMessage, from *session) {
	if msg.Topic == b.ingestTopic {
		if h, ok := b.handler.Load().(Handler); ok {
			safeInvoke(h, ctx, msg, b.logger)
		}
		return
	}
	b.forwardToSubscribers(msg.Topic, msg.Payload, from)
}

func (b *Broker) handleConnect(sess *session, payload []byte) error {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	if flags&(1<<2) != 0 || flags&(1<<5) != 0 || flags&(1<<6) != 0 || flags&(1<<7) != 0 || flags&(1<<3) != 0 || flags&(1<<4) != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := rd.readUint16(); err != nil { // keep alive
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	sess.setID(clientID)

	if err := sess.writePacket([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	return nil
}

func (b *Broker) handleSubscribe(sess *session, payload []byte) error {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	topics := make([]string, 0, 1)
	for rd.remaining() > 0 {
		topic, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic: %w", err)
		}
		if rd.remaining() == 0 {
			return fmt.Errorf("missing qos byte")
		}
		qos, err := rd.readByte()
		if err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if qos != 0 {
			return fmt.Errorf("unsupported qos %d", qos)
		}
		sess.addSubscription(topic)
		topics = append(topics, topic)

		// Subscribing to the updates topic joins the broadcast set shared
		// with the WebSocket transport.
		if topic == b.updatesTopic {
			b.hub.Register(&updatesConn{session: sess, topic: b.updatesTopic})
		}
	}

	packet, err := buildSubAck(packetID, len(topics))
	if err != nil {
		return err
	}
	return sess.writePacket(packet)
}

func (b *Broker) writeUnsubAck(sess *session, payload []byte) error {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	sess.removeAllSubscriptions()

	packet := []byte{0xB0, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
	return sess.writePacket(packet)
}

func (b *Broker) forwardToSubscribers(topic string, payload []byte, exclude *session) {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for sess := range b.clients {
		if sess == exclude {
			continue
		}
		if sess.subscribed(topic) {
			if err := sess.writePacket(packet); err != nil {
				b.logger.Debug("forward publish failed", "client", sess.id(), "error", err)
			}
		}
	}
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r)
		}
	}()
	h(ctx, msg)
}

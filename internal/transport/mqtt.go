package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MQTTConfig configures an MQTTTransport.
type MQTTConfig struct {
	Broker          string
	NodeID          string
	DisplayName     string
	Nearby          bool
	Username        string
	Password        string
	TopicPrefix     string
	QoS             byte
	ConnectTimeout  time.Duration
	DiscoveryWindow time.Duration
}

// nodeStatus is the retained presence record of a node.
// The broker replaces it with an offline status (last will) if the node drops.
type nodeStatus struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Nearby       bool     `json:"nearby"`
	Online       bool     `json:"online"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// envelope wraps messages and data items on the wire.
type envelope struct {
	Origin string `json:"origin"`
	Path   string `json:"path"`
	Data   []byte `json:"data"`
	SentAt int64  `json:"ts"`
}

// MQTTTransport implements Transport over an MQTT broker.
//
// Topics, under TopicPrefix:
//
//	<p>/nodes/<id>/status          retained nodeStatus, offline via last will
//	<p>/nodes/<id>/messages/<path> messages addressed to <id>
//	<p>/data/<path>                retained data items
type MQTTTransport struct {
	cfg    MQTTConfig
	logger *zap.Logger
	refs   refCount

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu           sync.Mutex
	client       mqtt.Client
	capabilities map[string]struct{}

	// presence holds the latest status record per node, fed by a single
	// subscription made on connect.
	presenceMu    sync.Mutex
	presence      map[string]nodeStatus
	presenceSince time.Time

	messages registry[MessageHandler]
	data     registry[DataHandler]
}

var _ Transport = (*MQTTTransport)(nil)

// NewMQTTTransport validates cfg and returns a disconnected transport.
func NewMQTTTransport(cfg MQTTConfig, logger *zap.Logger) (*MQTTTransport, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("mqtt: node id is required")
	}
	if strings.ContainsAny(cfg.NodeID, "/+#") {
		return nil, fmt.Errorf("mqtt: node id %q contains topic characters", cfg.NodeID)
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "weather-sync"
	}
	cfg.TopicPrefix = strings.Trim(cfg.TopicPrefix, "/")
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.DiscoveryWindow <= 0 {
		cfg.DiscoveryWindow = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &MQTTTransport{
		cfg:          cfg,
		logger:       logger.With(zap.String("component", "mqtt_transport"), zap.String("node_id", cfg.NodeID)),
		newClient:    mqtt.NewClient,
		capabilities: make(map[string]struct{}),
		presence:     make(map[string]nodeStatus),
	}
	t.refs = refCount{open: t.connect, close: t.disconnect}
	return t, nil
}

// NodeID implements Transport.NodeID.
func (t *MQTTTransport) NodeID() string { return t.cfg.NodeID }

// Acquire implements Transport.Acquire.
func (t *MQTTTransport) Acquire(ctx context.Context) (func(), error) {
	return t.refs.acquire(ctx)
}

func (t *MQTTTransport) statusTopic(nodeID string) string {
	return t.cfg.TopicPrefix + "/nodes/" + nodeID + "/status"
}

func (t *MQTTTransport) messageTopic(nodeID, path string) string {
	return t.cfg.TopicPrefix + "/nodes/" + nodeID + "/messages" + normalizePath(path)
}

func (t *MQTTTransport) dataTopic(path string) string {
	return t.cfg.TopicPrefix + "/data" + normalizePath(path)
}

func (t *MQTTTransport) status(online bool) nodeStatus {
	t.mu.Lock()
	caps := make([]string, 0, len(t.capabilities))
	for c := range t.capabilities {
		caps = append(caps, c)
	}
	t.mu.Unlock()
	sort.Strings(caps)
	return nodeStatus{
		ID:           t.cfg.NodeID,
		Name:         t.cfg.DisplayName,
		Nearby:       t.cfg.Nearby,
		Online:       online,
		Capabilities: caps,
	}
}

func (t *MQTTTransport) connect(ctx context.Context) error {
	offline, err := json.Marshal(nodeStatus{ID: t.cfg.NodeID, Online: false})
	if err != nil {
		return fmt.Errorf("mqtt: encode last will: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", t.cfg.NodeID, uuid.New().String()[:8]))
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(t.cfg.ConnectTimeout)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetBinaryWill(t.statusTopic(t.cfg.NodeID), offline, t.cfg.QoS, true)
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := t.newClient(opts)
	if err := waitToken(ctx, client.Connect(), t.cfg.ConnectTimeout); err != nil {
		// Stop the pending attempt so auto-reconnect does not keep it alive.
		client.Disconnect(0)
		return fmt.Errorf("mqtt: connect %s: %w", t.cfg.Broker, err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	t.logger.Debug("mqtt connected", zap.String("broker", t.cfg.Broker))
	return nil
}

// onConnect (re)establishes subscriptions and presence. Paho calls it on
// every successful connect, including automatic reconnects.
func (t *MQTTTransport) onConnect(c mqtt.Client) {
	c.Subscribe(t.cfg.TopicPrefix+"/nodes/"+t.cfg.NodeID+"/messages/#", t.cfg.QoS, t.handleMessage)
	c.Subscribe(t.cfg.TopicPrefix+"/data/#", t.cfg.QoS, t.handleData)
	t.presenceMu.Lock()
	t.presenceSince = time.Now()
	t.presenceMu.Unlock()
	c.Subscribe(t.cfg.TopicPrefix+"/nodes/+/status", t.cfg.QoS, t.handlePresence)
	if payload, err := json.Marshal(t.status(true)); err == nil {
		c.Publish(t.statusTopic(t.cfg.NodeID), t.cfg.QoS, true, payload)
	}
}

func (t *MQTTTransport) disconnect() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client == nil {
		return
	}
	if payload, err := json.Marshal(t.status(false)); err == nil {
		client.Publish(t.statusTopic(t.cfg.NodeID), t.cfg.QoS, true, payload).WaitTimeout(time.Second)
	}
	client.Disconnect(250)
	t.presenceMu.Lock()
	t.presence = make(map[string]nodeStatus)
	t.presenceSince = time.Time{}
	t.presenceMu.Unlock()
	t.logger.Debug("mqtt disconnected")
}

func (t *MQTTTransport) connected() (mqtt.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

// Discover implements Transport.Discover. Status records arrive on the
// presence subscription; a call made soon after connecting waits until
// DiscoveryWindow has passed so retained records can land.
func (t *MQTTTransport) Discover(ctx context.Context, capability string) ([]Endpoint, error) {
	if _, err := t.connected(); err != nil {
		return nil, err
	}

	t.presenceMu.Lock()
	since := t.presenceSince
	t.presenceMu.Unlock()
	if wait := time.Until(since.Add(t.cfg.DiscoveryWindow)); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	t.presenceMu.Lock()
	defer t.presenceMu.Unlock()
	return capableEndpoints(t.presence, capability, t.cfg.NodeID), nil
}

func (t *MQTTTransport) handlePresence(_ mqtt.Client, msg mqtt.Message) {
	var st nodeStatus
	if len(msg.Payload()) == 0 {
		return
	}
	if err := json.Unmarshal(msg.Payload(), &st); err != nil || st.ID == "" {
		t.logger.Debug("dropping malformed status", zap.String("topic", msg.Topic()))
		return
	}
	t.presenceMu.Lock()
	t.presence[st.ID] = st
	t.presenceMu.Unlock()
}

// capableEndpoints filters status records to online peers advertising capability, sorted by id.
func capableEndpoints(seen map[string]nodeStatus, capability, self string) []Endpoint {
	var out []Endpoint
	for id, st := range seen {
		if id == self || !st.Online {
			continue
		}
		for _, c := range st.Capabilities {
			if c == capability {
				out = append(out, Endpoint{ID: st.ID, DisplayName: st.Name, Nearby: st.Nearby})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Advertise implements Transport.Advertise by republishing this node's status.
func (t *MQTTTransport) Advertise(ctx context.Context, capability string) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.capabilities[capability] = struct{}{}
	t.mu.Unlock()

	payload, err := json.Marshal(t.status(true))
	if err != nil {
		return fmt.Errorf("mqtt: encode status: %w", err)
	}
	return waitToken(ctx, client.Publish(t.statusTopic(t.cfg.NodeID), t.cfg.QoS, true, payload), t.cfg.ConnectTimeout)
}

// SendMessage implements Transport.SendMessage.
func (t *MQTTTransport) SendMessage(ctx context.Context, endpointID, path string, payload []byte) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	data, err := t.seal(path, payload)
	if err != nil {
		return err
	}
	return waitToken(ctx, client.Publish(t.messageTopic(endpointID, path), t.cfg.QoS, false, data), t.cfg.ConnectTimeout)
}

// PublishDataItem implements Transport.PublishDataItem. Items are retained
// so nodes connecting later receive the latest one.
func (t *MQTTTransport) PublishDataItem(ctx context.Context, path string, payload []byte) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	data, err := t.seal(path, payload)
	if err != nil {
		return err
	}
	return waitToken(ctx, client.Publish(t.dataTopic(path), t.cfg.QoS, true, data), t.cfg.ConnectTimeout)
}

// OnMessage implements Transport.OnMessage.
func (t *MQTTTransport) OnMessage(path string, h MessageHandler) func() {
	return t.messages.add(normalizePath(path), h)
}

// OnDataItemChanged implements Transport.OnDataItemChanged.
func (t *MQTTTransport) OnDataItemChanged(path string, h DataHandler) func() {
	return t.data.add(normalizePath(path), h)
}

func (t *MQTTTransport) seal(path string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Origin: t.cfg.NodeID,
		Path:   normalizePath(path),
		Data:   payload,
		SentAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("mqtt: encode envelope: %w", err)
	}
	return data, nil
}

func openEnvelope(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, err
	}
	if env.Path == "" {
		return envelope{}, errors.New("envelope without path")
	}
	env.Path = normalizePath(env.Path)
	return env, nil
}

func (t *MQTTTransport) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	env, err := openEnvelope(msg.Payload())
	if err != nil {
		t.logger.Warn("dropping malformed message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	for _, h := range t.messages.get(env.Path) {
		h(context.Background(), env.Origin, env.Data)
	}
}

func (t *MQTTTransport) handleData(_ mqtt.Client, msg mqtt.Message) {
	if len(msg.Payload()) == 0 {
		return
	}
	env, err := openEnvelope(msg.Payload())
	if err != nil {
		t.logger.Warn("dropping malformed data item", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	if env.Origin == t.cfg.NodeID {
		return
	}
	for _, h := range t.data.get(env.Path) {
		h(context.Background(), env.Data)
	}
}

// waitToken waits for a paho token, bounded by ctx and timeout.
func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("mqtt: operation timed out after %s", timeout)
	}
}

package mqttsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/protosim/protosim/internal/id"
	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/monitor"
	"github.com/protosim/protosim/pkg/simulator"
)

// reconnectBackoff is the fixed delay between upstream reconnect attempts.
const reconnectBackoff = 5 * time.Second

// ProxyEngine attaches to an upstream broker as an ordinary client,
// subscribes to everything and runs traversing messages through the rule
// engine. Rule actions publish back to the same upstream connection. The
// engine reconnects forever until stopped.
type ProxyEngine struct {
	cfg   ProxyConfig
	rules *RuleSet
	state *simulator.State
	mon   *monitor.Monitor
	log   *slog.Logger

	// mu guards client, which Start/Stop mutate while paho callback
	// goroutines read it through publish.
	mu      sync.Mutex
	client  paho.Client
	stopped atomic.Bool
}

// NewProxyEngine creates an unstarted proxy engine.
func NewProxyEngine(cfg ProxyConfig, rules *RuleSet, state *simulator.State, mon *monitor.Monitor, log *slog.Logger) *ProxyEngine {
	if log == nil {
		log = logging.Nop()
	}
	return &ProxyEngine{
		cfg:   cfg,
		rules: rules,
		state: state,
		mon:   mon,
		log:   log,
	}
}

// Start connects to the upstream broker. The initial connect must succeed;
// later connection losses are retried with a fixed backoff.
func (e *ProxyEngine) Start(ctx context.Context) error {
	if e.cfg.UpstreamHost == "" || e.cfg.UpstreamPort == 0 {
		return errors.New("proxy requires upstream_host and upstream_port")
	}

	prefix := e.cfg.ClientIDPrefix
	if prefix == "" {
		prefix = "protosim_proxy_"
	}
	upstream := fmt.Sprintf("tcp://%s:%d", e.cfg.UpstreamHost, e.cfg.UpstreamPort)

	opts := paho.NewClientOptions().
		AddBroker(upstream).
		SetClientID(prefix + id.UUID()).
		SetKeepAlive(monitorKeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectBackoff).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			if !e.stopped.Load() {
				e.log.Warn("upstream connection lost, reconnecting", "upstream", upstream, "error", err)
			}
		}).
		SetOnConnectHandler(func(c paho.Client) {
			// Re-subscribe on every (re)connect; clean sessions drop
			// subscriptions on disconnect.
			if token := c.Subscribe("#", 1, e.onPublish); token.WaitTimeout(5*time.Second) && token.Error() != nil {
				e.log.Warn("upstream subscribe failed", "error", token.Error())
			}
		})
	if e.cfg.Username != "" {
		opts.SetUsername(e.cfg.Username)
		opts.SetPassword(e.cfg.Password)
	}

	client := paho.NewClient(opts)
	if err := waitToken(client.Connect(), 5*time.Second); err != nil {
		return fmt.Errorf("connect upstream %s: %w", upstream, err)
	}

	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
	e.log.Info("mqtt proxy attached", "upstream", upstream)
	return nil
}

// onPublish handles every message mirrored from the upstream broker.
func (e *ProxyEngine) onPublish(_ paho.Client, msg paho.Message) {
	if e.stopped.Load() {
		return
	}
	topic := msg.Topic()
	payload := msg.Payload()

	peer := fmt.Sprintf("%s:%d", e.cfg.UpstreamHost, e.cfg.UpstreamPort)
	e.mon.RecordMQTT(monitor.DirectionForwarded, peer, topic, payload, msg.Qos())
	e.state.RecordReceived("", len(payload))

	matched := e.rules.FindMatching(topic, payload)
	if len(matched) > 0 {
		applyRules(matched, topic, payload, e, e.log)
	}
}

// publish implements the rule-action publisher against the upstream
// connection.
func (e *ProxyEngine) publish(topic string, payload []byte, qos byte, retain bool) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return errors.New("proxy is not connected")
	}
	if err := waitToken(client.Publish(topic, qos, retain, payload), 5*time.Second); err != nil {
		return err
	}
	peer := fmt.Sprintf("%s:%d", e.cfg.UpstreamHost, e.cfg.UpstreamPort)
	e.mon.RecordMQTT(monitor.DirectionSent, peer, topic, payload, qos)
	e.state.RecordSent("", len(payload))
	return nil
}

// Stop aborts the upstream connection immediately; pending messages are
// dropped.
func (e *ProxyEngine) Stop(_ context.Context, _ time.Duration) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	client := e.client
	e.client = nil
	e.mu.Unlock()
	if client != nil {
		client.Disconnect(0)
	}
	return nil
}

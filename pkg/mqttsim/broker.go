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
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/protosim/protosim/internal/id"
	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/monitor"
	"github.com/protosim/protosim/pkg/simulator"
)

const (
	// monitorKeepAlive is the keep-alive of the internal tap client.
	monitorKeepAlive = 30 * time.Second
	// startProbeWindow is how long Start waits for the broker goroutine
	// to surface a bind failure before declaring success.
	startProbeWindow = 500 * time.Millisecond
)

// BrokerEngine runs an embedded MQTT broker with a monitor tap feeding the
// rule engine. When both protocol versions are enabled, v3.1.1 listens on
// the configured port and v5 on port+1; mochi serves either version on any
// listener, the split exists for admin parity.
type BrokerEngine struct {
	bindAddr string
	port     int
	versions []Version

	rules *RuleSet
	state *simulator.State
	mon   *monitor.Monitor
	log   *slog.Logger

	// mu guards server and tap, which Start/Stop mutate while paho
	// callback goroutines read them through publish.
	mu      sync.Mutex
	server  *mqtt.Server
	tap     paho.Client
	stopped atomic.Bool
}

// NewBrokerEngine creates an unstarted broker engine.
func NewBrokerEngine(bindAddr string, port int, versions []Version, rules *RuleSet, state *simulator.State, mon *monitor.Monitor, log *slog.Logger) *BrokerEngine {
	if log == nil {
		log = logging.Nop()
	}
	if len(versions) == 0 {
		versions = []Version{V311}
	}
	return &BrokerEngine{
		bindAddr: bindAddr,
		port:     port,
		versions: versions,
		rules:    rules,
		state:    state,
		mon:      mon,
		log:      log,
	}
}

func (e *BrokerEngine) hasVersion(v Version) bool {
	for _, have := range e.versions {
		if have == v {
			return true
		}
	}
	return false
}

// listenerPorts returns the ports to bind, keyed by version label.
func (e *BrokerEngine) listenerPorts() map[Version]int {
	ports := make(map[Version]int)
	v311 := e.hasVersion(V311)
	v5 := e.hasVersion(V5)
	switch {
	case v311 && v5:
		ports[V311] = e.port
		ports[V5] = e.port + 1
	case v5:
		ports[V5] = e.port
	default:
		ports[V311] = e.port
	}
	return ports
}

// Start brings up the broker listeners and the monitor tap. Port-in-use
// failures surface within the probe window.
func (e *BrokerEngine) Start(ctx context.Context) error {
	server := mqtt.New(&mqtt.Options{InlineClient: true})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("add allow hook: %w", err)
	}

	for version, port := range e.listenerPorts() {
		l := listeners.NewTCP(listeners.Config{
			ID:      fmt.Sprintf("mqtt-%s-%d", version, port),
			Address: fmt.Sprintf("%s:%d", e.bindAddr, port),
		})
		if err := server.AddListener(l); err != nil {
			return fmt.Errorf("listen %s on %d: %w", version, port, err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("broker failed to start: %w", err)
		}
	case <-time.After(startProbeWindow):
	case <-ctx.Done():
		_ = server.Close()
		return ctx.Err()
	}

	e.mu.Lock()
	e.server = server
	e.mu.Unlock()

	if err := e.startTap(); err != nil {
		_ = server.Close()
		e.mu.Lock()
		e.server = nil
		e.mu.Unlock()
		return err
	}

	e.log.Info("mqtt broker started", "bind", e.bindAddr, "ports", e.listenerPorts())
	return nil
}

// startTap connects the internal monitor client and subscribes to all
// topics. The tap sees every PUBLISH the broker routes, including inline
// publishes made by rule actions.
func (e *BrokerEngine) startTap() error {
	clientID := "broker_monitor_" + id.UUID()
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", e.port)).
		SetClientID(clientID).
		SetKeepAlive(monitorKeepAlive).
		SetCleanSession(true).
		SetDefaultPublishHandler(e.onPublish)

	client := paho.NewClient(opts)
	if err := waitToken(client.Connect(), 5*time.Second); err != nil {
		return fmt.Errorf("monitor client connect: %w", err)
	}
	if err := waitToken(client.Subscribe("#", 1, e.onPublish), 5*time.Second); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("monitor client subscribe: %w", err)
	}

	e.mu.Lock()
	e.tap = client
	e.mu.Unlock()
	return nil
}

// waitToken waits on a paho token with a deadline.
func waitToken(token paho.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return errors.New("timed out")
	}
	return token.Error()
}

// onPublish handles every message the tap observes: record, update stats,
// run matching rules.
func (e *BrokerEngine) onPublish(_ paho.Client, msg paho.Message) {
	if e.stopped.Load() {
		return
	}
	topic := msg.Topic()
	payload := msg.Payload()

	e.mon.RecordMQTT(monitor.DirectionReceived, "broker", topic, payload, msg.Qos())
	e.state.RecordReceived("", len(payload))

	matched := e.rules.FindMatching(topic, payload)
	if len(matched) > 0 {
		applyRules(matched, topic, payload, e, e.log)
	}
}

// publish implements the rule-action publisher over the broker's inline
// client.
func (e *BrokerEngine) publish(topic string, payload []byte, qos byte, retain bool) error {
	e.mu.Lock()
	server := e.server
	e.mu.Unlock()
	if server == nil {
		return errors.New("broker is not running")
	}
	if err := server.Publish(topic, payload, retain, qos); err != nil {
		return err
	}
	e.mon.RecordMQTT(monitor.DirectionSent, "broker", topic, payload, qos)
	e.state.RecordSent("", len(payload))
	return nil
}

// Stop disconnects the tap immediately and closes the broker. The timeout
// bounds the broker close, which disconnects every client.
func (e *BrokerEngine) Stop(ctx context.Context, timeout time.Duration) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	tap := e.tap
	server := e.server
	e.tap = nil
	e.server = nil
	e.mu.Unlock()

	if tap != nil {
		tap.Disconnect(0)
	}
	if server == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- server.Close()
	}()

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close broker: %w", err)
		}
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("broker shutdown timed out: %w", shutdownCtx.Err())
	}
}

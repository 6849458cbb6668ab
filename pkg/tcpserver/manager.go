package tcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/protosim/protosim/internal/id"
	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/modbus"
	"github.com/protosim/protosim/pkg/monitor"
	"github.com/protosim/protosim/pkg/simulator"
	"github.com/protosim/protosim/pkg/simulator/custom"
	"github.com/protosim/protosim/pkg/simulator/sceneloader"
)

// wrapper binds one simulator's declared config, runtime state, handler and
// engine handle. info, state and the engine handle are guarded separately
// so admin reads never contend with the dispatch path.
type wrapper struct {
	infoMu sync.RWMutex
	info   simulator.Info

	state   *simulator.State
	mon     *monitor.Monitor
	handler simulator.Handler

	instanceMu sync.Mutex
	engine     simulator.Engine
}

func (w *wrapper) infoSnapshot() simulator.Info {
	w.infoMu.RLock()
	defer w.infoMu.RUnlock()
	return w.info
}

func (w *wrapper) setStatus(status simulator.Status, message string) {
	w.infoMu.Lock()
	defer w.infoMu.Unlock()
	w.info.Status = status
	w.info.StatusMessage = message
}

// CreateRequest is the admin-facing create payload for the TCP family.
type CreateRequest struct {
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Protocol       simulator.Protocol  `json:"protocol"`
	Transport      simulator.Transport `json:"transport,omitempty"`
	BindAddr       string              `json:"bind_addr,omitempty"`
	Port           int                 `json:"port"`
	AutoStart      bool                `json:"auto_start,omitempty"`
	ProtocolConfig json.RawMessage     `json:"protocol_config,omitempty"`
	InitialState   *InitialState       `json:"initial_state,omitempty"`
}

// InitialState seeds the runtime state at create time.
type InitialState struct {
	Online *bool          `json:"online,omitempty"`
	Values map[string]any `json:"values,omitempty"`
}

// Detail is the full admin view of one simulator.
type Detail struct {
	Info  simulator.Info     `json:"info"`
	State simulator.Snapshot `json:"state"`
}

// Manager is the registry and lifecycle owner for byte-stream simulators.
type Manager struct {
	mu   sync.RWMutex
	sims map[string]*wrapper

	log      *slog.Logger
	debugDir string

	// persist is called after every mutation of declared config; errors
	// are logged, never surfaced, so in-memory changes always win.
	persist func() error
}

// NewManager creates an empty manager.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		sims: make(map[string]*wrapper),
		log:  log,
	}
}

// SetPersistFunc wires the persistence callback invoked after config
// mutations.
func (m *Manager) SetPersistFunc(fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist = fn
}

// SetDebugDir overrides the packet-capture debug directory for new
// simulators (used by tests).
func (m *Manager) SetDebugDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugDir = dir
}

// Persist writes the current simulator set through the configured
// callback. Callers that register simulators via Restore (which never
// persists on its own) use this to make the batch durable.
func (m *Manager) Persist() {
	m.persistConfig()
}

func (m *Manager) persistConfig() {
	m.mu.RLock()
	fn := m.persist
	m.mu.RUnlock()
	if fn == nil {
		return
	}
	if err := fn(); err != nil {
		// Best-effort durability: the in-memory change already happened.
		m.log.Error("persist failed", "error", err)
	}
}

// readBufferSize extracts the optional read_buffer_size knob every protocol
// config may carry. Zero means use the engine default.
func readBufferSize(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var cfg struct {
		ReadBufferSize int `json:"read_buffer_size"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return 0
	}
	return cfg.ReadBufferSize
}

// buildHandler constructs the protocol handler for a declared config.
func buildHandler(protocol simulator.Protocol, cfg json.RawMessage, log *slog.Logger) (simulator.Handler, error) {
	switch protocol {
	case simulator.ProtocolSceneLoader:
		h := sceneloader.New()
		h.SetLogger(log)
		return h, nil
	case simulator.ProtocolModbus:
		h, err := modbus.NewHandler(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", simulator.ErrInvalidConfig, err)
		}
		h.SetLogger(log)
		return h, nil
	case simulator.ProtocolCustom:
		h, err := custom.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", simulator.ErrInvalidConfig, err)
		}
		h.SetLogger(log)
		return h, nil
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", simulator.ErrInvalidConfig, protocol)
	}
}

// Create validates the request, registers a new simulator and optionally
// auto-starts it. A failed auto-start does not roll the creation back.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (simulator.Info, error) {
	info, err := m.register(req, id.Simulator())
	if err != nil {
		return simulator.Info{}, err
	}

	if req.AutoStart {
		if err := m.Start(ctx, info.ID); err != nil {
			m.log.Warn("auto-start failed", "id", info.ID, "error", err)
		}
		info = m.mustInfo(info.ID)
	}

	m.persistConfig()
	return info, nil
}

// register inserts a wrapper without starting or persisting. Used by both
// Create and the boot-time loader.
func (m *Manager) register(req CreateRequest, simID string) (simulator.Info, error) {
	if req.Name == "" {
		return simulator.Info{}, fmt.Errorf("%w: name is required", simulator.ErrInvalidConfig)
	}
	if req.Port < 1 || req.Port > 65535 {
		return simulator.Info{}, fmt.Errorf("%w: port %d out of range", simulator.ErrInvalidConfig, req.Port)
	}
	transport := req.Transport
	if transport == "" {
		transport = simulator.TransportTCP
	}
	if transport != simulator.TransportTCP && transport != simulator.TransportUDP {
		return simulator.Info{}, fmt.Errorf("%w: unknown transport %q", simulator.ErrInvalidConfig, transport)
	}
	bindAddr := req.BindAddr
	if bindAddr == "" {
		bindAddr = "0.0.0.0"
	}

	log := m.log.With("simulator", simID)
	handler, err := buildHandler(req.Protocol, req.ProtocolConfig, log)
	if err != nil {
		return simulator.Info{}, err
	}

	state := simulator.NewState()
	if req.InitialState != nil {
		if req.InitialState.Online != nil {
			state.SetOnline(*req.InitialState.Online)
		}
		for k, v := range req.InitialState.Values {
			state.SetValue(k, v)
		}
	}

	mon := monitor.New(simID, monitor.DefaultMaxPackets)
	mon.SetLogger(log)
	if m.debugDir != "" {
		mon.SetDebugDir(m.debugDir)
	}

	w := &wrapper{
		info: simulator.Info{
			ID:             simID,
			Name:           req.Name,
			Description:    req.Description,
			Protocol:       req.Protocol,
			Transport:      transport,
			BindAddr:       bindAddr,
			Port:           req.Port,
			Status:         simulator.StatusStopped,
			AutoStart:      req.AutoStart,
			CreatedAt:      time.Now(),
			ProtocolConfig: req.ProtocolConfig,
		},
		state:   state,
		mon:     mon,
		handler: handler,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sims[simID]; exists {
		return simulator.Info{}, fmt.Errorf("%w: duplicate id %s", simulator.ErrInvalidConfig, simID)
	}
	m.sims[simID] = w
	return w.info, nil
}

// Restore re-registers a persisted simulator under its original id.
// Persistence is not re-triggered.
func (m *Manager) Restore(info simulator.Info) error {
	req := CreateRequest{
		Name:           info.Name,
		Description:    info.Description,
		Protocol:       info.Protocol,
		Transport:      info.Transport,
		BindAddr:       info.BindAddr,
		Port:           info.Port,
		AutoStart:      info.AutoStart,
		ProtocolConfig: info.ProtocolConfig,
	}
	restored, err := m.register(req, info.ID)
	if err != nil {
		return err
	}
	// Keep the original creation timestamp.
	m.mu.RLock()
	w := m.sims[restored.ID]
	m.mu.RUnlock()
	if !info.CreatedAt.IsZero() {
		w.infoMu.Lock()
		w.info.CreatedAt = info.CreatedAt
		w.infoMu.Unlock()
	}
	return nil
}

func (m *Manager) get(simID string) (*wrapper, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.sims[simID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", simulator.ErrNotFound, simID)
	}
	return w, nil
}

func (m *Manager) mustInfo(simID string) simulator.Info {
	w, err := m.get(simID)
	if err != nil {
		return simulator.Info{}
	}
	return w.infoSnapshot()
}

// List returns every simulator's current detail.
func (m *Manager) List() []Detail {
	m.mu.RLock()
	wrappers := make([]*wrapper, 0, len(m.sims))
	for _, w := range m.sims {
		wrappers = append(wrappers, w)
	}
	m.mu.RUnlock()

	out := make([]Detail, 0, len(wrappers))
	for _, w := range wrappers {
		out = append(out, Detail{Info: w.infoSnapshot(), State: w.state.Snapshot()})
	}
	return out
}

// Get returns one simulator's detail. The info, state and rules locks are
// taken sequentially, so the result is a point-in-time view per field, not
// a cross-field consistent one.
func (m *Manager) Get(simID string) (Detail, error) {
	w, err := m.get(simID)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Info: w.infoSnapshot(), State: w.state.Snapshot()}, nil
}

// Start builds and starts the engine for a simulator. Starting a running
// simulator is an error; a failed start leaves the simulator stopped.
func (m *Manager) Start(ctx context.Context, simID string) error {
	w, err := m.get(simID)
	if err != nil {
		return err
	}

	w.instanceMu.Lock()
	defer w.instanceMu.Unlock()

	if w.engine != nil {
		return fmt.Errorf("%w: %s", simulator.ErrAlreadyRunning, simID)
	}

	info := w.infoSnapshot()
	log := m.log.With("simulator", simID, "protocol", info.Protocol)

	bufSize := readBufferSize(info.ProtocolConfig)
	var engine simulator.Engine
	switch info.Transport {
	case simulator.TransportUDP:
		e := NewUDPEngine(info.BindAddr, info.Port, w.handler, w.state, w.mon, log)
		e.SetReadBufferSize(bufSize)
		engine = e
	default:
		e := NewTCPEngine(info.BindAddr, info.Port, w.handler, w.state, w.mon, log)
		e.SetReadBufferSize(bufSize)
		engine = e
	}

	if err := engine.Start(ctx); err != nil {
		w.setStatus(simulator.StatusError, err.Error())
		return err
	}

	w.engine = engine
	w.setStatus(simulator.StatusRunning, "")
	return nil
}

// Stop detaches and stops the engine. Stopping a stopped simulator is a
// no-op; the status always lands on stopped.
func (m *Manager) Stop(ctx context.Context, simID string) error {
	w, err := m.get(simID)
	if err != nil {
		return err
	}

	w.instanceMu.Lock()
	engine := w.engine
	w.engine = nil
	w.instanceMu.Unlock()

	if engine != nil {
		if err := engine.Stop(ctx, DefaultDrainTimeout); err != nil {
			m.log.Warn("engine stop failed", "id", simID, "error", err)
		}
	}
	w.setStatus(simulator.StatusStopped, "")
	return nil
}

// Delete stops (ignoring errors) and removes a simulator, then persists.
func (m *Manager) Delete(ctx context.Context, simID string) error {
	if _, err := m.get(simID); err != nil {
		return err
	}
	_ = m.Stop(ctx, simID)

	m.mu.Lock()
	w := m.sims[simID]
	delete(m.sims, simID)
	m.mu.Unlock()

	if w != nil {
		w.mon.Close()
	}
	m.persistConfig()
	return nil
}

// SetOnline flips the response gate's online flag.
func (m *Manager) SetOnline(simID string, online bool) error {
	w, err := m.get(simID)
	if err != nil {
		return err
	}
	w.state.SetOnline(online)
	return nil
}

// SetFault injects a fault tag, closing the response gate.
func (m *Manager) SetFault(simID, tag string) error {
	w, err := m.get(simID)
	if err != nil {
		return err
	}
	if tag == "" {
		tag = "fault"
	}
	w.state.SetFault(tag)
	return nil
}

// ClearFault removes an injected fault.
func (m *Manager) ClearFault(simID string) error {
	w, err := m.get(simID)
	if err != nil {
		return err
	}
	w.state.ClearFault()
	return nil
}

// UpdateState merges admin-supplied values into the runtime state bag.
func (m *Manager) UpdateState(simID string, values map[string]any) error {
	w, err := m.get(simID)
	if err != nil {
		return err
	}
	for k, v := range values {
		w.state.SetValue(k, v)
	}
	return nil
}

// StartAutoStart starts every simulator flagged auto_start. Failures are
// logged per simulator and do not stop the sweep.
func (m *Manager) StartAutoStart(ctx context.Context) {
	for _, d := range m.List() {
		if !d.Info.AutoStart {
			continue
		}
		if err := m.Start(ctx, d.Info.ID); err != nil {
			m.log.Warn("auto-start failed", "id", d.Info.ID, "error", err)
		}
	}
}

// StopAll stops every running simulator, used at process shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, d := range m.List() {
		_ = m.Stop(ctx, d.Info.ID)
	}
}

// Export returns the declared configs for persistence. Modbus simulators
// get their protocol_config refreshed from the live bank so written
// register values survive restarts.
func (m *Manager) Export() []simulator.Info {
	m.mu.RLock()
	wrappers := make([]*wrapper, 0, len(m.sims))
	for _, w := range m.sims {
		wrappers = append(wrappers, w)
	}
	m.mu.RUnlock()

	out := make([]simulator.Info, 0, len(wrappers))
	for _, w := range wrappers {
		info := w.infoSnapshot()
		if h, ok := w.handler.(*modbus.Handler); ok {
			if raw, err := json.Marshal(modbus.Config{Slaves: h.Bank().Slaves()}); err == nil {
				info.ProtocolConfig = raw
			}
		}
		out = append(out, info)
	}
	return out
}

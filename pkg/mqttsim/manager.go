package mqttsim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/protosim/protosim/internal/id"
	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/monitor"
	"github.com/protosim/protosim/pkg/simulator"
)

// stopTimeout bounds broker close during Stop; the tap and proxy client
// are aborted immediately regardless.
const stopTimeout = 2 * time.Second

type wrapper struct {
	infoMu sync.RWMutex
	info   Info

	rules *RuleSet
	state *simulator.State
	mon   *monitor.Monitor

	instanceMu sync.Mutex
	engine     simulator.Engine
}

func (w *wrapper) infoSnapshot() Info {
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

// CreateRequest is the admin-facing create payload for the MQTT family.
type CreateRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Mode        Mode         `json:"mode"`
	BindAddr    string       `json:"bind_addr,omitempty"`
	Port        int          `json:"port"`
	Versions    []Version    `json:"mqtt_versions,omitempty"`
	ProxyConfig *ProxyConfig `json:"proxy_config,omitempty"`
	AutoStart   bool         `json:"auto_start,omitempty"`
	Rules       []Rule       `json:"rules,omitempty"`
}

// Detail is the full admin view of one MQTT simulator.
type Detail struct {
	Info  Info               `json:"info"`
	State simulator.Snapshot `json:"state"`
}

// Manager is the registry and lifecycle owner for MQTT simulators.
type Manager struct {
	mu   sync.RWMutex
	sims map[string]*wrapper

	log      *slog.Logger
	debugDir string
	persist  func() error
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
		m.log.Error("persist failed", "error", err)
	}
}

// Create validates the request, registers a new MQTT simulator and
// optionally auto-starts it. A failed auto-start does not roll the
// creation back.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Info, error) {
	info, err := m.register(req, id.Simulator())
	if err != nil {
		return Info{}, err
	}

	if req.AutoStart {
		if err := m.Start(ctx, info.ID); err != nil {
			m.log.Warn("auto-start failed", "id", info.ID, "error", err)
		}
		if w, werr := m.get(info.ID); werr == nil {
			info = w.infoSnapshot()
		}
	}

	m.persistConfig()
	return info, nil
}

func (m *Manager) register(req CreateRequest, simID string) (Info, error) {
	if req.Name == "" {
		return Info{}, fmt.Errorf("%w: name is required", simulator.ErrInvalidConfig)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeBroker
	}
	switch mode {
	case ModeBroker:
		if req.Port < 1 || req.Port > 65535 {
			return Info{}, fmt.Errorf("%w: port %d out of range", simulator.ErrInvalidConfig, req.Port)
		}
	case ModeProxy:
		if req.ProxyConfig == nil {
			return Info{}, fmt.Errorf("%w: proxy mode requires proxy_config", simulator.ErrInvalidConfig)
		}
	default:
		return Info{}, fmt.Errorf("%w: unknown mode %q", simulator.ErrInvalidConfig, mode)
	}

	bindAddr := req.BindAddr
	if bindAddr == "" {
		bindAddr = "0.0.0.0"
	}
	versions := req.Versions
	if len(versions) == 0 {
		versions = []Version{V311}
	}
	for _, v := range versions {
		if v != V311 && v != V5 {
			return Info{}, fmt.Errorf("%w: unknown mqtt version %q", simulator.ErrInvalidConfig, v)
		}
	}

	rules := NewRuleSet()
	if err := rules.Replace(req.Rules); err != nil {
		return Info{}, fmt.Errorf("%w: %v", simulator.ErrInvalidConfig, err)
	}

	log := m.log.With("simulator", simID)
	mon := monitor.New(simID, monitor.DefaultMaxPackets)
	mon.SetLogger(log)
	if m.debugDir != "" {
		mon.SetDebugDir(m.debugDir)
	}

	w := &wrapper{
		info: Info{
			ID:          simID,
			Name:        req.Name,
			Description: req.Description,
			Mode:        mode,
			BindAddr:    bindAddr,
			Port:        req.Port,
			Versions:    versions,
			ProxyConfig: req.ProxyConfig,
			Status:      simulator.StatusStopped,
			AutoStart:   req.AutoStart,
			CreatedAt:   time.Now(),
			Rules:       rules.List(),
		},
		rules: rules,
		state: simulator.NewState(),
		mon:   mon,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sims[simID]; exists {
		return Info{}, fmt.Errorf("%w: duplicate id %s", simulator.ErrInvalidConfig, simID)
	}
	m.sims[simID] = w
	return w.info, nil
}

// Restore re-registers a persisted simulator under its original id.
func (m *Manager) Restore(info Info) error {
	req := CreateRequest{
		Name:        info.Name,
		Description: info.Description,
		Mode:        info.Mode,
		BindAddr:    info.BindAddr,
		Port:        info.Port,
		Versions:    info.Versions,
		ProxyConfig: info.ProxyConfig,
		AutoStart:   info.AutoStart,
		Rules:       info.Rules,
	}
	restored, err := m.register(req, info.ID)
	if err != nil {
		return err
	}
	if !info.CreatedAt.IsZero() {
		m.mu.RLock()
		w := m.sims[restored.ID]
		m.mu.RUnlock()
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

// List returns every MQTT simulator's current detail.
func (m *Manager) List() []Detail {
	m.mu.RLock()
	wrappers := make([]*wrapper, 0, len(m.sims))
	for _, w := range m.sims {
		wrappers = append(wrappers, w)
	}
	m.mu.RUnlock()

	out := make([]Detail, 0, len(wrappers))
	for _, w := range wrappers {
		out = append(out, m.detail(w))
	}
	return out
}

func (m *Manager) detail(w *wrapper) Detail {
	info := w.infoSnapshot()
	info.Rules = w.rules.List()
	return Detail{Info: info, State: w.state.Snapshot()}
}

// Get returns one simulator's detail.
func (m *Manager) Get(simID string) (Detail, error) {
	w, err := m.get(simID)
	if err != nil {
		return Detail{}, err
	}
	return m.detail(w), nil
}

// Start builds and starts the engine for a simulator.
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
	log := m.log.With("simulator", simID, "mode", info.Mode)

	var engine simulator.Engine
	switch info.Mode {
	case ModeProxy:
		engine = NewProxyEngine(*info.ProxyConfig, w.rules, w.state, w.mon, log)
	default:
		engine = NewBrokerEngine(info.BindAddr, info.Port, info.Versions, w.rules, w.state, w.mon, log)
	}

	if err := engine.Start(ctx); err != nil {
		w.setStatus(simulator.StatusError, err.Error())
		return err
	}

	w.engine = engine
	w.setStatus(simulator.StatusRunning, "")
	return nil
}

// Stop detaches and stops the engine; idempotent.
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
		if err := engine.Stop(ctx, stopTimeout); err != nil {
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

// Rules returns the simulator's rule set in evaluation order.
func (m *Manager) Rules(simID string) ([]Rule, error) {
	w, err := m.get(simID)
	if err != nil {
		return nil, err
	}
	return w.rules.List(), nil
}

// AddRule inserts a rule; takes effect immediately on a running engine.
func (m *Manager) AddRule(simID string, rule Rule) (Rule, error) {
	w, err := m.get(simID)
	if err != nil {
		return Rule{}, err
	}
	stored, err := w.rules.Add(rule)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %v", simulator.ErrInvalidConfig, err)
	}
	m.syncRules(w)
	return stored, nil
}

// RemoveRule deletes a rule by id.
func (m *Manager) RemoveRule(simID, ruleID string) error {
	w, err := m.get(simID)
	if err != nil {
		return err
	}
	if !w.rules.Remove(ruleID) {
		return fmt.Errorf("%w: rule %s", simulator.ErrNotFound, ruleID)
	}
	m.syncRules(w)
	return nil
}

// syncRules copies the live rule set into the declared info and persists.
func (m *Manager) syncRules(w *wrapper) {
	w.infoMu.Lock()
	w.info.Rules = w.rules.List()
	w.infoMu.Unlock()
	m.persistConfig()
}

// Packets returns captured records with ID strictly greater than afterID.
func (m *Manager) Packets(simID string, afterID uint64, limit int) ([]monitor.Record, error) {
	w, err := m.get(simID)
	if err != nil {
		return nil, err
	}
	return w.mon.GetAfter(afterID, limit), nil
}

// ClearPackets drops all captured records.
func (m *Manager) ClearPackets(simID string) error {
	w, err := m.get(simID)
	if err != nil {
		return err
	}
	w.mon.Clear()
	return nil
}

// Export returns the declared configs, rules included, for persistence.
func (m *Manager) Export() []Info {
	m.mu.RLock()
	wrappers := make([]*wrapper, 0, len(m.sims))
	for _, w := range m.sims {
		wrappers = append(wrappers, w)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(wrappers))
	for _, w := range wrappers {
		info := w.infoSnapshot()
		info.Rules = w.rules.List()
		out = append(out, info)
	}
	return out
}

// StartAutoStart starts every simulator flagged auto_start.
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

// StopAll stops every running simulator.
func (m *Manager) StopAll(ctx context.Context) {
	for _, d := range m.List() {
		_ = m.Stop(ctx, d.Info.ID)
	}
}

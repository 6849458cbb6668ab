// Package admin exposes the REST control plane driving the simulator
// managers. Every response is a JSON envelope {state, message, data?}.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/mqttsim"
	"github.com/protosim/protosim/pkg/persist"
	"github.com/protosim/protosim/pkg/tcpserver"
)

// API is the admin HTTP server.
type API struct {
	tcp       *tcpserver.Manager
	mqtt      *mqttsim.Manager
	templates *persist.Templates
	log       *slog.Logger

	httpServer *http.Server
}

// New builds the admin server on the given port.
func New(port int, tcp *tcpserver.Manager, mqtt *mqttsim.Manager, templates *persist.Templates, log *slog.Logger) *API {
	if log == nil {
		log = logging.Nop()
	}
	a := &API{
		tcp:       tcp,
		mqtt:      mqtt,
		templates: templates,
		log:       log,
	}

	mux := http.NewServeMux()
	a.registerRoutes(mux)

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      a.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return a
}

// registerRoutes sets up all API routes.
func (a *API) registerRoutes(mux *http.ServeMux) {
	// Byte-stream simulator family.
	mux.HandleFunc("GET /api/tcp-simulator/protocols", a.handleListProtocols)
	mux.HandleFunc("POST /api/tcp-simulator/create", a.handleTCPCreate)
	mux.HandleFunc("GET /api/tcp-simulator/list", a.handleTCPList)
	mux.HandleFunc("GET /api/tcp-simulator/export", a.handleTCPExport)
	mux.HandleFunc("POST /api/tcp-simulator/import", a.handleTCPImport)
	mux.HandleFunc("GET /api/tcp-simulator/{id}", a.handleTCPGet)
	mux.HandleFunc("DELETE /api/tcp-simulator/{id}", a.handleTCPDelete)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/start", a.handleTCPStart)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/stop", a.handleTCPStop)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/state", a.handleTCPState)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/fault", a.handleTCPFault)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/clear-fault", a.handleTCPClearFault)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/online", a.handleTCPOnline)

	// Modbus sub-resources.
	mux.HandleFunc("GET /api/tcp-simulator/{id}/modbus/slaves", a.handleModbusSlaves)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/modbus/slave", a.handleModbusAddSlave)
	mux.HandleFunc("DELETE /api/tcp-simulator/{id}/modbus/slave/{slaveId}", a.handleModbusRemoveSlave)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/modbus/register", a.handleModbusSetRegister)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/modbus/register/delete", a.handleModbusDeleteRegister)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/modbus/register/value", a.handleModbusSetValue)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/modbus/registers/batch", a.handleModbusBatchSet)

	// Packet capture.
	mux.HandleFunc("GET /api/tcp-simulator/{id}/packets", a.handleTCPPackets)
	mux.HandleFunc("DELETE /api/tcp-simulator/{id}/packets", a.handleTCPClearPackets)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/packets/settings", a.handleTCPPacketSettings)
	mux.HandleFunc("GET /api/tcp-simulator/{id}/packets/stream", a.handleTCPPacketStream)

	// Templates. The catalog lives on its own prefix: item patterns under
	// /api/tcp-simulator/templates/{id} would conflict with the
	// /api/tcp-simulator/{id}/... routes above (ServeMux rejects patterns
	// where neither is more specific).
	mux.HandleFunc("GET /api/tcp-simulator-templates", a.handleListTemplates)
	mux.HandleFunc("POST /api/tcp-simulator-templates", a.handleCreateTemplate)
	mux.HandleFunc("PUT /api/tcp-simulator-templates/{id}", a.handleUpdateTemplate)
	mux.HandleFunc("DELETE /api/tcp-simulator-templates/{id}", a.handleDeleteTemplate)
	mux.HandleFunc("POST /api/tcp-simulator/create-from-template", a.handleCreateFromTemplate)
	mux.HandleFunc("POST /api/tcp-simulator/{id}/save-as-template", a.handleSaveAsTemplate)

	// MQTT simulator family.
	mux.HandleFunc("POST /api/mqtt-simulator/create", a.handleMQTTCreate)
	mux.HandleFunc("GET /api/mqtt-simulator/list", a.handleMQTTList)
	mux.HandleFunc("GET /api/mqtt-simulator/export", a.handleMQTTExport)
	mux.HandleFunc("POST /api/mqtt-simulator/import", a.handleMQTTImport)
	mux.HandleFunc("GET /api/mqtt-simulator/{id}", a.handleMQTTGet)
	mux.HandleFunc("DELETE /api/mqtt-simulator/{id}", a.handleMQTTDelete)
	mux.HandleFunc("POST /api/mqtt-simulator/{id}/start", a.handleMQTTStart)
	mux.HandleFunc("POST /api/mqtt-simulator/{id}/stop", a.handleMQTTStop)
	mux.HandleFunc("GET /api/mqtt-simulator/{id}/packets", a.handleMQTTPackets)
	mux.HandleFunc("DELETE /api/mqtt-simulator/{id}/packets", a.handleMQTTClearPackets)
	mux.HandleFunc("GET /api/mqtt-simulator/{id}/packets/stream", a.handleMQTTPacketStream)
	mux.HandleFunc("GET /api/mqtt-simulator/{id}/rules", a.handleMQTTListRules)
	mux.HandleFunc("POST /api/mqtt-simulator/{id}/rules", a.handleMQTTAddRule)
	mux.HandleFunc("DELETE /api/mqtt-simulator/{id}/rules/{ruleId}", a.handleMQTTRemoveRule)

	mux.HandleFunc("GET /health", a.handleHealth)
}

// withLogging logs every request at debug level.
func (a *API) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.log.Debug("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// Handler returns the full handler chain, for tests.
func (a *API) Handler() http.Handler {
	return a.httpServer.Handler
}

// Start begins serving in the background. Bind failures are returned
// synchronously.
func (a *API) Start() error {
	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", a.httpServer.Addr, err)
	}
	a.log.Info("admin api listening", "addr", ln.Addr().String())

	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("admin server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (a *API) Stop(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// handleHealth handles GET /health.
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

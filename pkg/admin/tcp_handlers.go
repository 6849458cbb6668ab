package admin

import (
	"net/http"

	"github.com/protosim/protosim/pkg/simulator"
	"github.com/protosim/protosim/pkg/tcpserver"
)

// handleListProtocols handles GET /api/tcp-simulator/protocols.
func (a *API) handleListProtocols(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, simulator.Protocols())
}

// handleTCPCreate handles POST /api/tcp-simulator/create.
func (a *API) handleTCPCreate(w http.ResponseWriter, r *http.Request) {
	var req tcpserver.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	info, err := a.tcp.Create(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, info)
}

// handleTCPList handles GET /api/tcp-simulator/list.
func (a *API) handleTCPList(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, a.tcp.List())
}

// handleTCPGet handles GET /api/tcp-simulator/{id}.
func (a *API) handleTCPGet(w http.ResponseWriter, r *http.Request) {
	detail, err := a.tcp.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, detail)
}

// handleTCPDelete handles DELETE /api/tcp-simulator/{id}.
func (a *API) handleTCPDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.tcp.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleTCPStart handles POST /api/tcp-simulator/{id}/start.
func (a *API) handleTCPStart(w http.ResponseWriter, r *http.Request) {
	if err := a.tcp.Start(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleTCPStop handles POST /api/tcp-simulator/{id}/stop.
func (a *API) handleTCPStop(w http.ResponseWriter, r *http.Request) {
	if err := a.tcp.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleTCPState handles POST /api/tcp-simulator/{id}/state, merging
// values into the runtime state bag.
func (a *API) handleTCPState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Values map[string]any `json:"values"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	if err := a.tcp.UpdateState(r.PathValue("id"), body.Values); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleTCPFault handles POST /api/tcp-simulator/{id}/fault.
func (a *API) handleTCPFault(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fault string `json:"fault"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	if err := a.tcp.SetFault(r.PathValue("id"), body.Fault); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleTCPClearFault handles POST /api/tcp-simulator/{id}/clear-fault.
func (a *API) handleTCPClearFault(w http.ResponseWriter, r *http.Request) {
	if err := a.tcp.ClearFault(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleTCPOnline handles POST /api/tcp-simulator/{id}/online.
func (a *API) handleTCPOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := decodeBody(r, &body); err != nil || body.Online == nil {
		writeInvalid(w, "body must carry an online flag")
		return
	}
	if err := a.tcp.SetOnline(r.PathValue("id"), *body.Online); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleTCPExport handles GET /api/tcp-simulator/export.
func (a *API) handleTCPExport(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, a.tcp.Export())
}

// handleTCPImport handles POST /api/tcp-simulator/import.
func (a *API) handleTCPImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Simulators      []simulator.Info `json:"simulators"`
		ReplaceExisting bool             `json:"replace_existing,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}

	imported, skipped := 0, 0
	for _, info := range body.Simulators {
		if _, err := a.tcp.Get(info.ID); err == nil {
			if !body.ReplaceExisting {
				skipped++
				continue
			}
			if err := a.tcp.Delete(r.Context(), info.ID); err != nil {
				a.log.Warn("import: replace failed", "id", info.ID, "error", err)
				skipped++
				continue
			}
		}
		if err := a.tcp.Restore(info); err != nil {
			a.log.Warn("import: restore failed", "id", info.ID, "error", err)
			skipped++
			continue
		}
		imported++
	}
	// Restore never persists on its own; save the batch once.
	if imported > 0 {
		a.tcp.Persist()
	}
	writeOK(w, map[string]int{"imported": imported, "skipped": skipped})
}

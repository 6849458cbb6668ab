package admin

import (
	"net/http"

	"github.com/protosim/protosim/pkg/mqttsim"
)

// handleMQTTCreate handles POST /api/mqtt-simulator/create.
func (a *API) handleMQTTCreate(w http.ResponseWriter, r *http.Request) {
	var req mqttsim.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	info, err := a.mqtt.Create(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, info)
}

// handleMQTTList handles GET /api/mqtt-simulator/list.
func (a *API) handleMQTTList(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, a.mqtt.List())
}

// handleMQTTGet handles GET /api/mqtt-simulator/{id}.
func (a *API) handleMQTTGet(w http.ResponseWriter, r *http.Request) {
	detail, err := a.mqtt.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, detail)
}

// handleMQTTDelete handles DELETE /api/mqtt-simulator/{id}.
func (a *API) handleMQTTDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.mqtt.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleMQTTStart handles POST /api/mqtt-simulator/{id}/start.
func (a *API) handleMQTTStart(w http.ResponseWriter, r *http.Request) {
	if err := a.mqtt.Start(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleMQTTStop handles POST /api/mqtt-simulator/{id}/stop.
func (a *API) handleMQTTStop(w http.ResponseWriter, r *http.Request) {
	if err := a.mqtt.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleMQTTListRules handles GET /api/mqtt-simulator/{id}/rules.
func (a *API) handleMQTTListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.mqtt.Rules(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, rules)
}

// handleMQTTAddRule handles POST /api/mqtt-simulator/{id}/rules.
func (a *API) handleMQTTAddRule(w http.ResponseWriter, r *http.Request) {
	var rule mqttsim.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	stored, err := a.mqtt.AddRule(r.PathValue("id"), rule)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, stored)
}

// handleMQTTRemoveRule handles
// DELETE /api/mqtt-simulator/{id}/rules/{ruleId}.
func (a *API) handleMQTTRemoveRule(w http.ResponseWriter, r *http.Request) {
	if err := a.mqtt.RemoveRule(r.PathValue("id"), r.PathValue("ruleId")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleMQTTExport handles GET /api/mqtt-simulator/export.
func (a *API) handleMQTTExport(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, a.mqtt.Export())
}

// handleMQTTImport handles POST /api/mqtt-simulator/import.
func (a *API) handleMQTTImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Simulators      []mqttsim.Info `json:"simulators"`
		ReplaceExisting bool           `json:"replace_existing,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}

	imported, skipped := 0, 0
	for _, info := range body.Simulators {
		if _, err := a.mqtt.Get(info.ID); err == nil {
			if !body.ReplaceExisting {
				skipped++
				continue
			}
			if err := a.mqtt.Delete(r.Context(), info.ID); err != nil {
				a.log.Warn("import: replace failed", "id", info.ID, "error", err)
				skipped++
				continue
			}
		}
		if err := a.mqtt.Restore(info); err != nil {
			a.log.Warn("import: restore failed", "id", info.ID, "error", err)
			skipped++
			continue
		}
		imported++
	}
	// Restore never persists on its own; save the batch once.
	if imported > 0 {
		a.mqtt.Persist()
	}
	writeOK(w, map[string]int{"imported": imported, "skipped": skipped})
}

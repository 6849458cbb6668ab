package admin

import (
	"encoding/json"
	"net/http"

	"github.com/protosim/protosim/pkg/mqttsim"
	"github.com/protosim/protosim/pkg/persist"
	"github.com/protosim/protosim/pkg/tcpserver"
)

// handleListTemplates handles GET /api/tcp-simulator-templates.
func (a *API) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, a.templates.List())
}

// handleCreateTemplate handles POST /api/tcp-simulator-templates.
func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl persist.Template
	if err := decodeBody(r, &tpl); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	tpl.ID = "" // ids are always server-assigned on create
	stored, err := a.templates.Add(tpl)
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	writeOK(w, stored)
}

// handleUpdateTemplate handles PUT /api/tcp-simulator-templates/{id}.
func (a *API) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := r.PathValue("id")
	if _, err := a.templates.Get(templateID); err != nil {
		writeErr(w, err)
		return
	}
	var tpl persist.Template
	if err := decodeBody(r, &tpl); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	tpl.ID = templateID
	stored, err := a.templates.Add(tpl)
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	writeOK(w, stored)
}

// handleDeleteTemplate handles DELETE /api/tcp-simulator-templates/{id}.
func (a *API) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := a.templates.Delete(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleCreateFromTemplate handles
// POST /api/tcp-simulator/create-from-template. Overrides are shallow
// merged over the template config before the create runs.
func (a *API) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateID string          `json:"template_id"`
		Overrides  json.RawMessage `json:"overrides,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	tpl, err := a.templates.Get(body.TemplateID)
	if err != nil {
		writeErr(w, err)
		return
	}

	cfg, err := mergeJSON(tpl.Config, body.Overrides)
	if err != nil {
		writeInvalid(w, "invalid overrides: "+err.Error())
		return
	}

	switch tpl.Family {
	case persist.FamilyMQTT:
		var req mqttsim.CreateRequest
		if err := json.Unmarshal(cfg, &req); err != nil {
			writeInvalid(w, "template config does not decode: "+err.Error())
			return
		}
		info, err := a.mqtt.Create(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, info)
	default:
		var req tcpserver.CreateRequest
		if err := json.Unmarshal(cfg, &req); err != nil {
			writeInvalid(w, "template config does not decode: "+err.Error())
			return
		}
		info, err := a.tcp.Create(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, info)
	}
}

// handleSaveAsTemplate handles POST /api/tcp-simulator/{id}/save-as-template,
// snapshotting a live simulator's declared config into the catalog.
func (a *API) handleSaveAsTemplate(w http.ResponseWriter, r *http.Request) {
	detail, err := a.tcp.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	if body.Name == "" {
		body.Name = detail.Info.Name
	}

	cfg, err := json.Marshal(tcpserver.CreateRequest{
		Name:           detail.Info.Name,
		Description:    detail.Info.Description,
		Protocol:       detail.Info.Protocol,
		Transport:      detail.Info.Transport,
		BindAddr:       detail.Info.BindAddr,
		Port:           detail.Info.Port,
		AutoStart:      detail.Info.AutoStart,
		ProtocolConfig: detail.Info.ProtocolConfig,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	stored, err := a.templates.Add(persist.Template{
		Name:        body.Name,
		Description: body.Description,
		Family:      persist.FamilyTCP,
		Config:      cfg,
	})
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	writeOK(w, stored)
}

// mergeJSON shallow-merges override keys over a base JSON object.
func mergeJSON(base, overrides json.RawMessage) (json.RawMessage, error) {
	if len(overrides) == 0 {
		return base, nil
	}
	var baseMap, overrideMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(overrides, &overrideMap); err != nil {
		return nil, err
	}
	for k, v := range overrideMap {
		baseMap[k] = v
	}
	return json.Marshal(baseMap)
}

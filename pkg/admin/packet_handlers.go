package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/protosim/protosim/pkg/monitor"
	"github.com/protosim/protosim/pkg/tcpserver"
)

// streamPollInterval is how often websocket packet streams poll the
// capture ring for new records.
const streamPollInterval = 250 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control plane carries no credentials; cross-origin tools may
	// subscribe freely.
	CheckOrigin: func(*http.Request) bool { return true },
}

// packetQuery reads the afterId/limit query parameters.
func packetQuery(r *http.Request) (afterID uint64, limit int) {
	if s := r.URL.Query().Get("afterId"); s != "" {
		afterID, _ = strconv.ParseUint(s, 10, 64)
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, _ = strconv.Atoi(s)
	}
	return afterID, limit
}

// packetSource fetches new records for one simulator.
type packetSource func(afterID uint64, limit int) ([]monitor.Record, error)

// handleTCPPackets handles GET /api/tcp-simulator/{id}/packets.
func (a *API) handleTCPPackets(w http.ResponseWriter, r *http.Request) {
	afterID, limit := packetQuery(r)
	recs, err := a.tcp.Packets(r.PathValue("id"), afterID, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, recs)
}

// handleTCPClearPackets handles DELETE /api/tcp-simulator/{id}/packets.
func (a *API) handleTCPClearPackets(w http.ResponseWriter, r *http.Request) {
	if err := a.tcp.ClearPackets(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleTCPPacketSettings handles
// POST /api/tcp-simulator/{id}/packets/settings.
func (a *API) handleTCPPacketSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled    *bool `json:"enabled,omitempty"`
		MaxPackets *int  `json:"maxPackets,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeInvalid(w, "invalid request body: "+err.Error())
		return
	}
	settings := tcpserver.PacketSettings{
		MaxPackets: body.MaxPackets,
		Debug:      body.Enabled,
	}
	if err := a.tcp.UpdatePacketSettings(r.PathValue("id"), settings); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleTCPPacketStream handles GET /api/tcp-simulator/{id}/packets/stream.
func (a *API) handleTCPPacketStream(w http.ResponseWriter, r *http.Request) {
	simID := r.PathValue("id")
	if _, err := a.tcp.Get(simID); err != nil {
		writeErr(w, err)
		return
	}
	a.streamPackets(w, r, func(afterID uint64, limit int) ([]monitor.Record, error) {
		return a.tcp.Packets(simID, afterID, limit)
	})
}

// handleMQTTPackets handles GET /api/mqtt-simulator/{id}/packets.
func (a *API) handleMQTTPackets(w http.ResponseWriter, r *http.Request) {
	afterID, limit := packetQuery(r)
	recs, err := a.mqtt.Packets(r.PathValue("id"), afterID, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, recs)
}

// handleMQTTClearPackets handles DELETE /api/mqtt-simulator/{id}/packets.
func (a *API) handleMQTTClearPackets(w http.ResponseWriter, r *http.Request) {
	if err := a.mqtt.ClearPackets(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleMQTTPacketStream handles GET /api/mqtt-simulator/{id}/packets/stream.
func (a *API) handleMQTTPacketStream(w http.ResponseWriter, r *http.Request) {
	simID := r.PathValue("id")
	if _, err := a.mqtt.Get(simID); err != nil {
		writeErr(w, err)
		return
	}
	a.streamPackets(w, r, func(afterID uint64, limit int) ([]monitor.Record, error) {
		return a.mqtt.Packets(simID, afterID, limit)
	})
}

// streamPackets upgrades to a websocket and pushes each new packet record
// as a JSON message, polling the capture ring. The stream starts at the
// current tail; history is available through the plain packets route.
func (a *API) streamPackets(w http.ResponseWriter, r *http.Request, source packetSource) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain (and discard) client frames so close handshakes are seen.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Skip records that predate the subscription.
	var afterID uint64
	if recs, err := source(0, 0); err == nil && len(recs) > 0 {
		afterID = recs[len(recs)-1].ID
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		recs, err := source(afterID, 0)
		if err != nil {
			return
		}
		for _, rec := range recs {
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
			afterID = rec.ID
		}
	}
}

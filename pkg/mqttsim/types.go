// Package mqttsim implements the MQTT simulator family: an embedded broker
// with a topic/payload rule engine, and an intercepting proxy that mirrors
// traffic against an upstream broker.
package mqttsim

import (
	"time"

	"github.com/protosim/protosim/pkg/simulator"
)

// Mode selects how an MQTT simulator participates in traffic.
type Mode string

// Simulator modes.
const (
	ModeBroker Mode = "broker"
	ModeProxy  Mode = "proxy"
)

// Version names an MQTT protocol version exposed by a broker simulator.
type Version string

// Supported protocol versions.
const (
	V311 Version = "v3.1.1"
	V5   Version = "v5"
)

// ProxyConfig describes the upstream broker a proxy simulator attaches to.
type ProxyConfig struct {
	UpstreamHost   string `json:"upstream_host"`
	UpstreamPort   int    `json:"upstream_port"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	ClientIDPrefix string `json:"client_id_prefix,omitempty"`
}

// Info is the declared configuration and lifecycle status of one MQTT
// simulator. Rules ride along so exported configs restore completely.
type Info struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Description   string              `json:"description,omitempty"`
	Mode          Mode                `json:"mode"`
	BindAddr      string              `json:"bind_addr"`
	Port          int                 `json:"port"`
	Versions      []Version           `json:"mqtt_versions,omitempty"`
	ProxyConfig   *ProxyConfig        `json:"proxy_config,omitempty"`
	Status        simulator.Status    `json:"status"`
	StatusMessage string              `json:"status_message,omitempty"`
	AutoStart     bool                `json:"auto_start"`
	CreatedAt     time.Time           `json:"created_at"`
	Rules         []Rule              `json:"rules,omitempty"`
}

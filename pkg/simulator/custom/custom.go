// Package custom implements a user-defined byte-stream protocol driven by
// match/respond rules. Rules match the inbound PDU as raw prefix bytes, a
// hex pattern with wildcard bytes, or a regular expression over the hex
// encoding; the first matching rule wins. Responses are hex templates that
// may reference regex captures, with an optional trailing checksum.
package custom

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/protosim/protosim/pkg/logging"
	"github.com/protosim/protosim/pkg/simulator"
)

// MatchType selects how a rule inspects the inbound PDU.
type MatchType string

// Match types.
const (
	MatchPrefix MatchType = "prefix"
	MatchHex    MatchType = "hex"
	MatchRegex  MatchType = "regex"
)

// ChecksumType selects the trailing checksum appended to responses.
type ChecksumType string

// Checksum algorithms.
const (
	ChecksumSum8  ChecksumType = "sum8"
	ChecksumXor8  ChecksumType = "xor8"
	ChecksumCRC16 ChecksumType = "crc16"
)

// Match is one rule's predicate.
type Match struct {
	Type MatchType `json:"type"`
	// Pattern is hex bytes for prefix, hex with "??" wildcard bytes for
	// hex, or a regular expression over the lowercase hex encoding for
	// regex.
	Pattern string `json:"pattern"`
}

// Rule binds a match to a response. Ignore suppresses the response while
// still consuming the PDU.
type Rule struct {
	Name   string `json:"name,omitempty"`
	Match  Match  `json:"match"`
	Ignore bool   `json:"ignore,omitempty"`
	// Respond is a hex template; ${1}, ${2}, ... substitute regex captures.
	Respond string `json:"respond,omitempty"`
}

// Checksum configures the optional response checksum.
type Checksum struct {
	Type ChecksumType `json:"type"`
}

// Config is the protocol_config payload for a custom simulator.
type Config struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	DefaultPort int       `json:"default_port,omitempty"`
	Rules       []Rule    `json:"rules"`
	Checksum    *Checksum `json:"checksum,omitempty"`
}

// ParseConfig decodes and validates a custom protocol_config document.
func ParseConfig(raw json.RawMessage) (*Config, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("custom protocol requires a protocol_config")
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid custom protocol config: %w", err)
	}
	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("custom protocol %q has no rules", cfg.Name)
	}
	for i, rule := range cfg.Rules {
		if _, err := compileRule(rule); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	if cfg.Checksum != nil {
		switch cfg.Checksum.Type {
		case ChecksumSum8, ChecksumXor8, ChecksumCRC16:
		default:
			return nil, fmt.Errorf("unknown checksum type %q", cfg.Checksum.Type)
		}
	}
	return cfg, nil
}

// compiledRule is a rule with its pattern pre-decoded.
type compiledRule struct {
	rule   Rule
	prefix []byte         // prefix match
	exact  []matchByte    // hex match, with wildcards
	regex  *regexp.Regexp // regex match over hex encoding
}

type matchByte struct {
	value byte
	any   bool
}

func compileRule(rule Rule) (*compiledRule, error) {
	cr := &compiledRule{rule: rule}
	pattern := strings.ReplaceAll(strings.TrimSpace(rule.Match.Pattern), " ", "")

	switch rule.Match.Type {
	case MatchPrefix:
		b, err := hex.DecodeString(pattern)
		if err != nil {
			return nil, fmt.Errorf("prefix pattern %q is not hex: %w", rule.Match.Pattern, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("prefix pattern is empty")
		}
		cr.prefix = b
	case MatchHex:
		if len(pattern) == 0 || len(pattern)%2 != 0 {
			return nil, fmt.Errorf("hex pattern %q has odd length", rule.Match.Pattern)
		}
		for i := 0; i < len(pattern); i += 2 {
			pair := pattern[i : i+2]
			if pair == "??" {
				cr.exact = append(cr.exact, matchByte{any: true})
				continue
			}
			b, err := hex.DecodeString(pair)
			if err != nil {
				return nil, fmt.Errorf("hex pattern %q: bad byte %q", rule.Match.Pattern, pair)
			}
			cr.exact = append(cr.exact, matchByte{value: b[0]})
		}
	case MatchRegex:
		re, err := regexp.Compile(rule.Match.Pattern)
		if err != nil {
			return nil, fmt.Errorf("regex pattern: %w", err)
		}
		cr.regex = re
	default:
		return nil, fmt.Errorf("unknown match type %q", rule.Match.Type)
	}

	if !rule.Ignore {
		// Validate the respond template with empty captures.
		rendered := captureRef.ReplaceAllString(rule.Respond, "")
		if _, err := hex.DecodeString(strings.ReplaceAll(rendered, " ", "")); err != nil {
			return nil, fmt.Errorf("respond template %q is not hex: %w", rule.Respond, err)
		}
	}
	return cr, nil
}

var captureRef = regexp.MustCompile(`\$\{(\d+)\}`)

// matches tests the rule against a PDU, returning regex captures when
// applicable.
func (cr *compiledRule) matches(data []byte) (bool, []string) {
	switch {
	case cr.prefix != nil:
		return bytes.HasPrefix(data, cr.prefix), nil
	case cr.exact != nil:
		if len(data) != len(cr.exact) {
			return false, nil
		}
		for i, mb := range cr.exact {
			if !mb.any && data[i] != mb.value {
				return false, nil
			}
		}
		return true, nil
	case cr.regex != nil:
		m := cr.regex.FindStringSubmatch(hex.EncodeToString(data))
		if m == nil {
			return false, nil
		}
		return true, m[1:]
	}
	return false, nil
}

// render expands capture references and decodes the response template.
func (cr *compiledRule) render(captures []string) ([]byte, error) {
	out := captureRef.ReplaceAllStringFunc(cr.rule.Respond, func(ref string) string {
		var n int
		fmt.Sscanf(ref, "${%d}", &n)
		if n >= 1 && n <= len(captures) {
			return captures[n-1]
		}
		return ""
	})
	return hex.DecodeString(strings.ReplaceAll(out, " ", ""))
}

// Handler executes a compiled custom protocol.
type Handler struct {
	simulator.NopLifecycle
	cfg   *Config
	rules []*compiledRule
	log   *slog.Logger
}

// New compiles a custom protocol handler from its protocol_config.
func New(raw json.RawMessage) (*Handler, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	h := &Handler{cfg: cfg, log: logging.Nop()}
	for _, rule := range cfg.Rules {
		cr, err := compileRule(rule)
		if err != nil {
			return nil, err
		}
		h.rules = append(h.rules, cr)
	}
	return h, nil
}

// SetLogger sets the operational logger.
func (h *Handler) SetLogger(log *slog.Logger) {
	if log != nil {
		h.log = log
	} else {
		h.log = logging.Nop()
	}
}

// Name implements simulator.Handler.
func (h *Handler) Name() string { return string(simulator.ProtocolCustom) }

// Handle matches the buffered PDU against the rule list, first match wins.
// Custom protocols carry no framing information, so every non-matching or
// matching invocation consumes the whole buffer.
func (h *Handler) Handle(buf []byte, state *simulator.State) simulator.Result {
	for _, cr := range h.rules {
		ok, captures := cr.matches(buf)
		if !ok {
			continue
		}
		if cr.rule.Ignore {
			return simulator.NoResponse(len(buf))
		}
		resp, err := cr.render(captures)
		if err != nil {
			h.log.Warn("custom: response template render failed",
				"rule", cr.rule.Name, "error", err)
			return simulator.NoResponse(len(buf))
		}
		if h.cfg.Checksum != nil {
			resp = appendChecksum(resp, h.cfg.Checksum.Type)
		}
		return simulator.Respond(resp, len(buf))
	}
	return simulator.NoResponse(len(buf))
}

// appendChecksum appends the configured checksum over the response bytes.
func appendChecksum(data []byte, typ ChecksumType) []byte {
	switch typ {
	case ChecksumSum8:
		var sum byte
		for _, b := range data {
			sum += b
		}
		return append(data, sum)
	case ChecksumXor8:
		var x byte
		for _, b := range data {
			x ^= b
		}
		return append(data, x)
	case ChecksumCRC16:
		crc := crc16(data)
		return append(data, byte(crc), byte(crc>>8))
	}
	return data
}

// crc16 computes the Modbus CRC-16 (poly 0xA001, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

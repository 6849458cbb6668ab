package mqttsim

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/protosim/protosim/internal/id"
)

// MatcherType selects how a rule inspects a PUBLISH payload.
type MatcherType string

// Payload matcher variants.
const (
	MatchExact     MatcherType = "exact"
	MatchPrefix    MatcherType = "prefix"
	MatchContains  MatcherType = "contains"
	MatchRegex     MatcherType = "regex"
	MatchJSONField MatcherType = "json_field"
	MatchHex       MatcherType = "hex"
	MatchExpr      MatcherType = "expr"
)

// PayloadMatcher is a rule's optional payload predicate. Value carries the
// pattern for most variants; json_field uses Path (dotted or JSONPath) and
// Expected instead.
type PayloadMatcher struct {
	Type     MatcherType `json:"type"`
	Value    string      `json:"value,omitempty"`
	Path     string      `json:"path,omitempty"`
	Expected string      `json:"expected,omitempty"`
}

// ActionType names what a matched rule does with the message.
type ActionType string

// Rule actions.
const (
	ActionLog       ActionType = "log"
	ActionRespond   ActionType = "respond"
	ActionForward   ActionType = "forward"
	ActionSilence   ActionType = "silence"
	ActionTransform ActionType = "transform"
)

// Action is the effect bound to a rule. Only the fields for its Type are
// meaningful.
type Action struct {
	Type ActionType `json:"type"`

	// log
	Message string `json:"message,omitempty"`

	// respond
	Topic        string `json:"topic,omitempty"`
	Payload      string `json:"payload,omitempty"`
	UseTopicVars bool   `json:"use_topic_vars,omitempty"`

	// forward
	TargetTopic string `json:"target_topic,omitempty"`

	// transform
	OutputTopic   string `json:"output_topic,omitempty"`
	OutputPayload string `json:"output_payload,omitempty"`
}

// Rule binds a topic pattern and optional payload matcher to an action.
// Lower priority runs first; equal priorities keep insertion order.
type Rule struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	Enabled      bool            `json:"enabled"`
	TopicPattern string          `json:"topic_pattern"`
	PayloadMatch *PayloadMatcher `json:"payload_match,omitempty"`
	Action       Action          `json:"action"`
	Priority     int             `json:"priority"`
}

// compiledRule is a rule with its regex/expr predicates pre-built.
type compiledRule struct {
	rule    Rule
	regex   *regexp.Regexp
	program *vm.Program
}

func compileRule(rule Rule) (*compiledRule, error) {
	if rule.TopicPattern == "" {
		return nil, fmt.Errorf("topic_pattern is required")
	}
	switch rule.Action.Type {
	case ActionLog, ActionSilence:
	case ActionRespond:
		if rule.Action.Topic == "" {
			return nil, fmt.Errorf("respond action requires a topic")
		}
	case ActionForward:
		if rule.Action.TargetTopic == "" {
			return nil, fmt.Errorf("forward action requires a target_topic")
		}
	case ActionTransform:
		if rule.Action.OutputTopic == "" {
			return nil, fmt.Errorf("transform action requires an output_topic")
		}
	default:
		return nil, fmt.Errorf("unknown action type %q", rule.Action.Type)
	}

	cr := &compiledRule{rule: rule}
	if m := rule.PayloadMatch; m != nil {
		switch m.Type {
		case MatchExact, MatchPrefix, MatchContains:
		case MatchHex:
			cleaned := strings.ReplaceAll(strings.TrimSpace(m.Value), " ", "")
			if _, err := hex.DecodeString(cleaned); err != nil {
				return nil, fmt.Errorf("invalid hex matcher %q: %w", m.Value, err)
			}
		case MatchRegex:
			re, err := regexp.Compile(m.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid regex matcher: %w", err)
			}
			cr.regex = re
		case MatchJSONField:
			if m.Path == "" {
				return nil, fmt.Errorf("json_field matcher requires a path")
			}
			if _, err := jp.ParseString(normalizeJSONPath(m.Path)); err != nil {
				return nil, fmt.Errorf("invalid json_field path %q: %w", m.Path, err)
			}
		case MatchExpr:
			prog, err := expr.Compile(m.Value, expr.AsBool(), expr.AllowUndefinedVariables())
			if err != nil {
				return nil, fmt.Errorf("invalid expression matcher: %w", err)
			}
			cr.program = prog
		default:
			return nil, fmt.Errorf("unknown payload matcher type %q", m.Type)
		}
	}
	return cr, nil
}

// normalizeJSONPath accepts either a dotted path ("device.status") or a
// JSONPath expression ("$.device.status").
func normalizeJSONPath(path string) string {
	if strings.HasPrefix(path, "$") {
		return path
	}
	return "$." + path
}

func (cr *compiledRule) payloadMatches(topic string, payload []byte) bool {
	m := cr.rule.PayloadMatch
	if m == nil {
		return true
	}
	switch m.Type {
	case MatchExact:
		return string(payload) == m.Value
	case MatchPrefix:
		return strings.HasPrefix(string(payload), m.Value)
	case MatchContains:
		return strings.Contains(string(payload), m.Value)
	case MatchHex:
		cleaned := strings.ReplaceAll(strings.TrimSpace(m.Value), " ", "")
		return strings.EqualFold(hex.EncodeToString(payload), cleaned)
	case MatchRegex:
		return cr.regex.Match(payload)
	case MatchJSONField:
		return jsonFieldMatches(m, payload)
	case MatchExpr:
		return exprMatches(cr.program, topic, payload)
	}
	return false
}

func jsonFieldMatches(m *PayloadMatcher, payload []byte) bool {
	doc, err := oj.Parse(payload)
	if err != nil {
		return false
	}
	path, err := jp.ParseString(normalizeJSONPath(m.Path))
	if err != nil {
		return false
	}
	for _, v := range path.Get(doc) {
		if scalarString(v) == m.Expected {
			return true
		}
	}
	return false
}

// scalarString renders a JSON scalar the way a user would type it: strings
// un-quoted, everything else via its JSON encoding.
func scalarString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func exprMatches(prog *vm.Program, topic string, payload []byte) bool {
	env := map[string]any{
		"topic":   topic,
		"payload": string(payload),
		"json":    map[string]any{},
	}
	var parsed map[string]any
	if err := json.Unmarshal(payload, &parsed); err == nil {
		env["json"] = parsed
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// matchTopic checks an MQTT topic filter against a concrete topic.
// Supports MQTT wildcards: + (single level) and # (multi-level).
func matchTopic(pattern, topic string) bool {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range patternParts {
		if part == "#" {
			// # matches everything remaining
			return true
		}

		if i >= len(topicParts) {
			return false
		}

		if part != "+" && part != topicParts[i] {
			return false
		}
	}

	return len(patternParts) == len(topicParts)
}

// extractWildcards pulls the values bound to + and # wildcards.
// pattern "sensors/+/temp", topic "sensors/dev1/temp" -> ["dev1"].
func extractWildcards(pattern, topic string) []string {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")

	var wildcards []string
	for i, part := range patternParts {
		if part == "#" {
			if i < len(topicParts) {
				wildcards = append(wildcards, strings.Join(topicParts[i:], "/"))
			}
			break
		}
		if part == "+" {
			if i < len(topicParts) {
				wildcards = append(wildcards, topicParts[i])
			}
		}
	}
	return wildcards
}

// renderTopicVars substitutes {1}, {2}, ... with wildcard values and
// {topic} with the full source topic.
func renderTopicVars(template, topic string, wildcards []string) string {
	result := template
	for i, val := range wildcards {
		placeholder := fmt.Sprintf("{%d}", i+1)
		result = strings.ReplaceAll(result, placeholder, val)
	}
	return strings.ReplaceAll(result, "{topic}", topic)
}

// RuleSet is the per-simulator ordered rule collection. Rules are kept
// sorted by priority ascending; insertion is stable for equal priorities.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*compiledRule
}

// NewRuleSet creates an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// Add validates, compiles and inserts a rule, assigning an id when the
// caller did not supply one. Returns the stored rule.
func (rs *RuleSet) Add(rule Rule) (Rule, error) {
	if rule.ID == "" {
		rule.ID = id.Rule()
	}
	cr, err := compileRule(rule)
	if err != nil {
		return Rule{}, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	// Insert after the last rule with priority <= this one, keeping
	// insertion order stable within a priority.
	pos := len(rs.rules)
	for i, existing := range rs.rules {
		if existing.rule.Priority > rule.Priority {
			pos = i
			break
		}
	}
	rs.rules = append(rs.rules, nil)
	copy(rs.rules[pos+1:], rs.rules[pos:])
	rs.rules[pos] = cr
	return rule, nil
}

// Remove deletes a rule by id. Returns false if no rule had that id.
func (rs *RuleSet) Remove(ruleID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i, cr := range rs.rules {
		if cr.rule.ID == ruleID {
			rs.rules = append(rs.rules[:i], rs.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Replace swaps the whole rule set, used when restoring persisted config.
func (rs *RuleSet) Replace(rules []Rule) error {
	compiled := make([]*compiledRule, 0, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			rule.ID = id.Rule()
		}
		cr, err := compileRule(rule)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		compiled = append(compiled, cr)
	}
	// Stable sort by priority, preserving given order within a priority.
	for i := 1; i < len(compiled); i++ {
		for j := i; j > 0 && compiled[j-1].rule.Priority > compiled[j].rule.Priority; j-- {
			compiled[j-1], compiled[j] = compiled[j], compiled[j-1]
		}
	}

	rs.mu.Lock()
	rs.rules = compiled
	rs.mu.Unlock()
	return nil
}

// List returns the rules in evaluation order.
func (rs *RuleSet) List() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Rule, 0, len(rs.rules))
	for _, cr := range rs.rules {
		out = append(out, cr.rule)
	}
	return out
}

// FindMatching returns every enabled rule whose topic pattern and payload
// matcher accept the message, in priority order. All matches fire; there is
// no first-match cutoff.
func (rs *RuleSet) FindMatching(topic string, payload []byte) []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	var matched []Rule
	for _, cr := range rs.rules {
		if !cr.rule.Enabled {
			continue
		}
		if !matchTopic(cr.rule.TopicPattern, topic) {
			continue
		}
		if !cr.payloadMatches(topic, payload) {
			continue
		}
		matched = append(matched, cr.rule)
	}
	return matched
}

package mqttsim

import "log/slog"

// publisher abstracts where rule actions publish to: the embedded broker's
// inline client, or the proxy's upstream connection.
type publisher interface {
	publish(topic string, payload []byte, qos byte, retain bool) error
}

// applyRules runs every matched rule's action against a single PUBLISH,
// in priority order, sequentially.
func applyRules(rules []Rule, topic string, payload []byte, pub publisher, log *slog.Logger) {
	for _, rule := range rules {
		switch rule.Action.Type {
		case ActionLog:
			msg := rule.Action.Message
			if msg == "" {
				msg = "rule matched"
			}
			log.Info(msg, "rule", rule.ID, "topic", topic, "payload", string(payload))

		case ActionRespond:
			outTopic := rule.Action.Topic
			outPayload := rule.Action.Payload
			if rule.Action.UseTopicVars {
				vars := extractWildcards(rule.TopicPattern, topic)
				outTopic = renderTopicVars(outTopic, topic, vars)
				outPayload = renderTopicVars(outPayload, topic, vars)
			}
			if err := pub.publish(outTopic, []byte(outPayload), 1, false); err != nil {
				log.Warn("respond action failed", "rule", rule.ID, "topic", outTopic, "error", err)
			}

		case ActionForward:
			if err := pub.publish(rule.Action.TargetTopic, payload, 1, false); err != nil {
				log.Warn("forward action failed", "rule", rule.ID, "topic", rule.Action.TargetTopic, "error", err)
			}

		case ActionSilence:
			// Informational only; delivery to real subscribers already
			// happened inside the broker.

		case ActionTransform:
			if err := pub.publish(rule.Action.OutputTopic, []byte(rule.Action.OutputPayload), 1, false); err != nil {
				log.Warn("transform action failed", "rule", rule.ID, "topic", rule.Action.OutputTopic, "error", err)
			}
		}
	}
}

package mqtt

import (
	"fmt"
	"strings"
)

const (
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
	levelSeparator      = "/"
)

// ValidateFilter checks a subscription filter against MQTT 3.1.1 rules:
// "#" only as the last level, wildcards only as whole levels.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	levels := strings.Split(filter, levelSeparator)
	for i, level := range levels {
		switch {
		case level == multiLevelWildcard && i != len(levels)-1:
			return fmt.Errorf("%w: %q: # must be the last level", ErrInvalidTopic, filter)
		case level != multiLevelWildcard && strings.Contains(level, multiLevelWildcard):
			return fmt.Errorf("%w: %q: # must occupy a whole level", ErrInvalidTopic, filter)
		case level != singleLevelWildcard && strings.Contains(level, singleLevelWildcard):
			return fmt.Errorf("%w: %q: + must occupy a whole level", ErrInvalidTopic, filter)
		}
	}
	return nil
}

// ValidateTopicName checks a publish topic: non-empty, no wildcards.
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, singleLevelWildcard+multiLevelWildcard) {
		return fmt.Errorf("%w: %q: wildcards are not allowed in topic names", ErrInvalidTopic, topic)
	}
	return nil
}

// MatchTopic reports whether topic matches filter.
//
// Topics starting with "$" are not matched by filters starting with a
// wildcard, as required for broker system topics.
//
// Example:
//
//	MatchTopic("devices/+/telemetry", "devices/boiler/telemetry") // true
//	MatchTopic("devices/#", "devices")                            // true
func MatchTopic(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, singleLevelWildcard) || strings.HasPrefix(filter, multiLevelWildcard)) {
		return false
	}

	fl := strings.Split(filter, levelSeparator)
	tl := strings.Split(topic, levelSeparator)

	for i, f := range fl {
		if f == multiLevelWildcard {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != singleLevelWildcard && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

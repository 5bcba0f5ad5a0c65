package network

import "strings"

// MatchTopic reports whether topic matches an MQTT-style filter. "+" matches
// exactly one level, a trailing "#" matches the parent level and everything
// below it.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return i == len(f)-1
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// ValidFilter reports whether filter uses wildcards only in legal positions.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	parts := strings.Split(filter, "/")
	for i, part := range parts {
		switch {
		case part == "#" && i != len(parts)-1:
			return false
		case part != "#" && part != "+" && strings.ContainsAny(part, "#+"):
			return false
		}
	}
	return true
}

// ValidTopic reports whether topic is a concrete publish topic.
func ValidTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "#+")
}

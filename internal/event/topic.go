package event

import "strings"

const (
	// Wildcard matches exactly one segment of a topic.
	Wildcard = "*"

	// Separator splits topics and patterns into segments.
	Separator = "."
)

// ValidTopic reports whether topic is a concrete topic: non-empty segments
// and no wildcards.
func ValidTopic(topic string) bool {
	if topic == "" {
		return false
	}
	for _, seg := range strings.Split(topic, Separator) {
		if seg == "" || strings.Contains(seg, Wildcard) {
			return false
		}
	}
	return true
}

// ValidPattern reports whether pattern is a subscribable pattern. A "*" is
// only allowed as a whole segment.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	for _, seg := range strings.Split(pattern, Separator) {
		if seg == "" {
			return false
		}
		if seg != Wildcard && strings.Contains(seg, Wildcard) {
			return false
		}
	}
	return true
}

// Match reports whether topic matches pattern. Segment counts must be equal;
// matching is case-sensitive.
func Match(pattern, topic string) bool {
	return matchSegments(strings.Split(pattern, Separator), strings.Split(topic, Separator))
}

func matchSegments(pattern, topic []string) bool {
	if len(pattern) != len(topic) {
		return false
	}
	for i, seg := range pattern {
		if seg != Wildcard && seg != topic[i] {
			return false
		}
	}
	return true
}

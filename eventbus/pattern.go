package eventbus

import "strings"

// Match reports whether topic satisfies the dotted-segment pattern.
// A "*" segment matches exactly one topic segment; a trailing "**"
// matches the rest of the topic (zero or more segments). No glob
// library in the surrounding ecosystem models dotted, segment-aware
// wildcards this way, so the matcher is hand-rolled rather than
// adapted from a dependency.
func Match(pattern, topic string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchSegments(pattern, topic []string) bool {
	for i, seg := range pattern {
		if seg == "**" {
			// "**" must be the final pattern segment and absorbs everything
			// remaining in topic, including zero segments.
			return i == len(pattern)-1
		}
		if i >= len(topic) {
			return false
		}
		if seg != "*" && seg != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}

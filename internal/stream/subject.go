package stream

import "strings"

// Subjects follow a dotted hierarchy: kpi.metrics.<modelName>.<priorityClass>.
// Stream subject patterns may use "*" to match exactly one token and ">" to
// match the remainder of the subject.

// Well-known subjects and prefixes.
const (
	SubjectPrefixMetrics = "kpi.metrics."
	SubjectPrefixEvents  = "kpi.events."
	SubjectPrefixAlerts  = "kpi.alerts."
	SubjectPrefixInsight = "kpi.insights."
	SubjectDeadLetter    = "kpi.deadletter"
	SubjectHealth        = "kpi.events.health"
)

// MetricSubject builds the routing key for a metric event:
// kpi.metrics.<modelName>.<priorityClass>.
func MetricSubject(modelName, priorityClass string) string {
	model := sanitizeToken(modelName)
	if model == "" {
		model = "unknown"
	}
	if priorityClass == "" {
		priorityClass = "normal"
	}
	return SubjectPrefixMetrics + model + "." + priorityClass
}

// MatchSubject reports whether a subject matches a pattern.
// "*" matches a single token, ">" matches one or more trailing tokens.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// sanitizeToken strips characters that would break the dotted hierarchy.
func sanitizeToken(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteRune('_')
		}
	}
	return b.String()
}

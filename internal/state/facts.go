package state

import (
	"regexp"
	"sort"
	"strings"
)

// Session facts are small key/value observations the executor reports while
// working (session cookie, user id, base URL, ...). They survive replans
// and are folded into planner and executor prompts so later tasks can reuse
// an established session instead of rediscovering it.

var (
	// [STATE_UPDATE] cookie: session=abc123
	stateUpdateRegex = regexp.MustCompile(`(?m)^\s*\[STATE_UPDATE\]\s*([A-Za-z0-9_]+)\s*:\s*(.+?)\s*$`)

	// Cookies announced in raw HTTP output update the cookie fact directly,
	// so a login probe that dumps headers still establishes the session.
	setCookieRegex = regexp.MustCompile(`(?i)set-cookie:\s*([^;\r\n]+)`)
)

// UpdateFacts scans executor output for fact updates and applies them.
// Values of "none", "null", or empty are ignored rather than clearing a
// fact; clearing is an explicit coordinator decision via ClearFact.
// Returns the keys that changed.
func (m *Manager) UpdateFacts(output string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []string

	for _, match := range stateUpdateRegex.FindAllStringSubmatch(output, -1) {
		key := strings.ToLower(match[1])
		value := strings.Trim(match[2], `'",`)
		if isNullish(value) {
			continue
		}
		if m.facts[key] != value {
			m.facts[key] = value
			changed = append(changed, key)
		}
	}

	for _, match := range setCookieRegex.FindAllStringSubmatch(output, -1) {
		value := strings.TrimSpace(match[1])
		if isNullish(value) {
			continue
		}
		if m.facts["cookie"] != value {
			m.facts["cookie"] = value
			changed = append(changed, "cookie")
		}
	}

	return changed
}

// Fact returns the value for a key and whether it is set.
func (m *Manager) Fact(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.facts[strings.ToLower(key)]
	return v, ok
}

// ClearFact removes a fact, e.g. when the coordinator decides a session died.
func (m *Manager) ClearFact(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.facts, strings.ToLower(key))
}

// Facts returns a copy of the fact map.
func (m *Manager) Facts() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.facts))
	for k, v := range m.facts {
		out[k] = v
	}
	return out
}

// FormatFacts renders a facts map as stable "key: value" lines for prompts.
func FormatFacts(facts map[string]string) string {
	if len(facts) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(facts[k])
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func isNullish(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "none", "null":
		return true
	}
	return false
}

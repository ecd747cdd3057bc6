// Package mention parses @handle tokens out of free text and resolves them
// against an agent roster.
package mention

import (
	"regexp"
	"strings"
)

var handlePattern = regexp.MustCompile(`(?i)@([a-z0-9_-]+)`)

// Agent is the slice of an agent record needed for handle matching.
type Agent struct {
	ID         string
	Name       string
	SessionKey string
}

// Handles returns the distinct lowercased handles in text, in order of first
// appearance.
func Handles(text string) []string {
	matches := handlePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		h := strings.ToLower(m[1])
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// FirstName returns the lowercased first whitespace-delimited token of name.
func FirstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// SessionTail returns the lowercased part of a session key after the first
// ':'. Keys without a namespace are returned whole.
func SessionTail(sessionKey string) string {
	if i := strings.IndexByte(sessionKey, ':'); i >= 0 {
		return strings.ToLower(sessionKey[i+1:])
	}
	return strings.ToLower(sessionKey)
}

// Resolve returns the distinct roster agents referenced by @handles in text,
// ordered by first appearance. A handle matching one agent's session tail
// beats another agent's first name; otherwise roster order decides.
func Resolve(text string, roster []Agent) []Agent {
	handles := Handles(text)
	if len(handles) == 0 || len(roster) == 0 {
		return nil
	}

	byTail := make(map[string]int, len(roster))
	byFirst := make(map[string]int, len(roster))
	for i, a := range roster {
		if tail := SessionTail(a.SessionKey); tail != "" {
			if _, ok := byTail[tail]; !ok {
				byTail[tail] = i
			}
		}
		if first := FirstName(a.Name); first != "" {
			if _, ok := byFirst[first]; !ok {
				byFirst[first] = i
			}
		}
	}

	var out []Agent
	picked := make(map[string]struct{})
	for _, h := range handles {
		idx, ok := byTail[h]
		if !ok {
			idx, ok = byFirst[h]
		}
		if !ok {
			continue
		}
		a := roster[idx]
		if _, dup := picked[a.ID]; dup {
			continue
		}
		picked[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out
}

// IDs projects agents to their IDs.
func IDs(agents []Agent) []string {
	if len(agents) == 0 {
		return nil
	}
	out := make([]string, len(agents))
	for i, a := range agents {
		out[i] = a.ID
	}
	return out
}

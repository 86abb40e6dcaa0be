// Package artifact extracts the canonical pairing artifact (base64 image data)
// from the loosely shaped responses returned by the pairing provider.
package artifact

import (
	"encoding/json"
	"strings"
)

// MinLength is the shortest cleaned payload accepted as an image. Anything
// shorter is reported as invalid rather than absent.
const MinLength = 100

type State int

const (
	StateAbsent State = iota
	StateInvalid
	StatePresent
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateInvalid:
		return "invalid"
	case StatePresent:
		return "present"
	default:
		return "unknown"
	}
}

type Result struct {
	State    State
	Artifact string
	// Source names the extractor that produced the candidate, if any.
	Source string
	Reason string
}

func (r Result) IsPresent() bool { return r.State == StatePresent }
func (r Result) IsInvalid() bool { return r.State == StateInvalid }

// Ptr returns the artifact as a pointer, nil unless present.
func (r Result) Ptr() *string {
	if r.State != StatePresent {
		return nil
	}
	a := r.Artifact
	return &a
}

func absent() Result { return Result{State: StateAbsent} }

// Normalize maps an arbitrary provider response to absent, invalid or
// present(artifact). raw may be a string, []byte, json.RawMessage or a decoded
// JSON object.
func Normalize(raw any) Result {
	candidate, source, ok := extract(raw, 0)
	if !ok {
		return absent()
	}
	return clean(candidate, source)
}

func extract(raw any, depth int) (string, string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", "", false
	case string:
		if strings.TrimSpace(v) == "" {
			return "", "", false
		}
		return v, "string", true
	case *string:
		if v == nil {
			return "", "", false
		}
		return extract(*v, depth)
	case json.RawMessage:
		return extractJSON(v, depth)
	case []byte:
		return extractJSON(v, depth)
	case map[string]any:
		return probe(v, depth)
	default:
		return "", "", false
	}
}

func extractJSON(data []byte, depth int) (string, string, bool) {
	if len(data) == 0 {
		return "", "", false
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return extract(string(data), depth)
	}
	return extract(decoded, depth)
}

// clean applies quote, prefix and alphabet stripping to a candidate.
func clean(candidate, source string) Result {
	s := strings.TrimSpace(candidate)
	s = stripQuotes(s)
	s = stripDataURI(s)
	s = stripNonBase64(s)

	if s == "" {
		return absent()
	}
	if len(s) < MinLength {
		return Result{State: StateInvalid, Source: source, Reason: "payload too short"}
	}
	return Result{State: StatePresent, Artifact: s, Source: source}
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

func stripDataURI(s string) string {
	if !strings.HasPrefix(strings.ToLower(s), "data:image/") {
		return s
	}
	marker := strings.Index(strings.ToLower(s), ";base64,")
	if marker < 0 {
		return s
	}
	return s[marker+len(";base64,"):]
}

func stripNonBase64(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '+', c == '/', c == '=':
			b.WriteByte(c)
		}
	}
	return b.String()
}

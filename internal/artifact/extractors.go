package artifact

import "strings"

// maxDepth bounds how far wrapped values are unboxed.
const maxDepth = 3

// Extractor pulls a candidate payload out of a decoded provider object.
type Extractor struct {
	Name    string
	Extract func(obj map[string]any, depth int) (string, bool)
}

// Extractors are tried in order; the first non-empty hit wins. New provider
// response shapes are supported by appending here.
var Extractors []Extractor

// The wrapped extractor recurses through probe, so the list is built in init
// to keep it out of the package initialization graph.
func init() {
	Extractors = []Extractor{
		{Name: "primary", Extract: fieldExtractor("qr", "qrCode", "qrcode", "qr_code")},
		{Name: "alternate", Extract: fieldExtractor("base64", "image", "qrImage", "data")},
		{Name: "wrapped", Extract: wrappedExtractor("value", "result", "payload")},
	}
}

func probe(obj map[string]any, depth int) (string, string, bool) {
	for _, ex := range Extractors {
		if v, ok := ex.Extract(obj, depth); ok {
			return v, ex.Name, true
		}
	}
	return "", "", false
}

func fieldExtractor(keys ...string) func(map[string]any, int) (string, bool) {
	return func(obj map[string]any, _ int) (string, bool) {
		for _, k := range keys {
			if s, ok := obj[k].(string); ok && s != "" {
				return s, true
			}
		}
		return "", false
	}
}

func wrappedExtractor(keys ...string) func(map[string]any, int) (string, bool) {
	return func(obj map[string]any, depth int) (string, bool) {
		if depth >= maxDepth {
			return "", false
		}
		for _, k := range keys {
			switch inner := obj[k].(type) {
			case map[string]any:
				if s, _, ok := extract(inner, depth+1); ok {
					return s, true
				}
			case string:
				if looksLikePayload(inner) {
					return inner, true
				}
			}
		}
		return "", false
	}
}

// looksLikePayload accepts a wrapped string only when it is a data URI or a
// base64 run long enough to be an image. Keys like "result" also carry plain
// acknowledgements such as "ok".
func looksLikePayload(s string) bool {
	s = stripQuotes(strings.TrimSpace(s))
	if strings.HasPrefix(strings.ToLower(s), "data:image/") {
		return true
	}
	if len(s) < MinLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '+', c == '/', c == '=', c == '\n', c == '\r':
		default:
			return false
		}
	}
	return true
}

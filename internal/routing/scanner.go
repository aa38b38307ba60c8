package routing

// Tolerant scanner for the JSON emitted by routing daemons and mesh node
// APIs. It supports a strict subset of JSON: a stream containing objects
// whose interesting fields are strings, numbers, or booleans. Nested
// objects and arrays are skipped with bounded depth rather than parsed,
// so a malformed or adversarial document cannot recurse or scan without
// limit. Anything outside the subset is ignored, not an error.

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// scanMaxDepth bounds how far nested structures are skipped.
	scanMaxDepth = 16

	// scanMaxPairs bounds fields captured per object.
	scanMaxPairs = 64
)

// Pair is one string-keyed field captured from an object. Numbers and
// booleans are carried as their literal text.
type Pair struct {
	Key   string
	Value string
}

// Object is the captured fields of one JSON object, in document order.
type Object []Pair

// Get returns the first value for key.
func (o Object) Get(key string) (string, bool) {
	for _, p := range o {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// GetFloat returns the value for key parsed as a float.
func (o Object) GetFloat(key string) (float64, bool) {
	v, ok := o.Get(key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ScanObjects extracts up to maxObjects flat objects from data. Objects
// nested inside captured objects are skipped, not descended into; objects
// inside arrays (the common daemon output shape) are captured.
func ScanObjects(data []byte, maxObjects int) []Object {
	var out []Object
	s := scanner{data: data}

	for maxObjects <= 0 || len(out) < maxObjects {
		if !s.seek('{') {
			break
		}
		obj, ok := s.object()
		if ok && len(obj) > 0 {
			out = append(out, obj)
		}
	}
	return out
}

// ScanArrayObjects locates the array named key and extracts its member
// objects. Used for documents like {"neighbors":[{...},{...}]}.
func ScanArrayObjects(data []byte, key string, maxObjects int) []Object {
	idx := strings.Index(string(data), `"`+key+`"`)
	if idx < 0 {
		return nil
	}
	rest := data[idx+len(key)+2:]
	open := strings.IndexByte(string(rest), '[')
	if open < 0 {
		return nil
	}
	close := matchBracket(rest[open:])
	if close < 0 {
		return ScanObjects(rest[open:], maxObjects)
	}
	return ScanObjects(rest[open:open+close+1], maxObjects)
}

// matchBracket returns the offset of the ']' balancing data[0] == '['.
func matchBracket(data []byte) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
		if depth > scanMaxDepth {
			return -1
		}
	}
	return -1
}

type scanner struct {
	data []byte
	pos  int
}

// seek advances to the byte after the next occurrence of c.
func (s *scanner) seek(c byte) bool {
	for s.pos < len(s.data) {
		if s.data[s.pos] == c {
			s.pos++
			return true
		}
		s.pos++
	}
	return false
}

// object consumes one object body (the opening brace already consumed)
// and captures its scalar fields.
func (s *scanner) object() (Object, bool) {
	var obj Object
	for s.pos < len(s.data) {
		s.skipSpace()
		if s.pos >= len(s.data) {
			return obj, false
		}
		switch s.data[s.pos] {
		case '}':
			s.pos++
			return obj, true
		case ',', ':':
			s.pos++
			continue
		case '"':
			key, err := s.string()
			if err != nil {
				return obj, false
			}
			s.skipSpace()
			if s.pos >= len(s.data) || s.data[s.pos] != ':' {
				continue
			}
			s.pos++
			s.skipSpace()
			value, captured := s.value()
			if captured && len(obj) < scanMaxPairs {
				obj = append(obj, Pair{Key: key, Value: value})
			}
		default:
			s.pos++
		}
	}
	return obj, false
}

// value consumes one value. Scalars are captured; composites are skipped.
func (s *scanner) value() (string, bool) {
	if s.pos >= len(s.data) {
		return "", false
	}
	switch c := s.data[s.pos]; {
	case c == '"':
		v, err := s.string()
		return v, err == nil
	case c == '{' || c == '[':
		s.skipComposite()
		return "", false
	default:
		start := s.pos
		for s.pos < len(s.data) && !strings.ContainsRune(",}] \t\r\n", rune(s.data[s.pos])) {
			s.pos++
		}
		return string(s.data[start:s.pos]), s.pos > start
	}
}

// string consumes a quoted string, handling escapes.
func (s *scanner) string() (string, error) {
	if s.data[s.pos] != '"' {
		return "", fmt.Errorf("not at string start")
	}
	s.pos++
	var b strings.Builder
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		if c == '\\' && s.pos+1 < len(s.data) {
			next := s.data[s.pos+1]
			switch next {
			case '"', '\\', '/':
				b.WriteByte(next)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(next)
			}
			s.pos += 2
			continue
		}
		if c == '"' {
			s.pos++
			return b.String(), nil
		}
		b.WriteByte(c)
		s.pos++
	}
	return "", fmt.Errorf("unterminated string")
}

// skipComposite steps over a nested object or array with bounded depth.
func (s *scanner) skipComposite() {
	depth := 0
	inString := false
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		if inString {
			if c == '\\' {
				s.pos += 2
				continue
			}
			if c == '"' {
				inString = false
			}
			s.pos++
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > scanMaxDepth {
				s.pos = len(s.data)
				return
			}
		case '}', ']':
			depth--
			if depth == 0 {
				s.pos++
				return
			}
		}
		s.pos++
	}
}

func (s *scanner) skipSpace() {
	for s.pos < len(s.data) {
		switch s.data[s.pos] {
		case ' ', '\t', '\r', '\n':
			s.pos++
		default:
			return
		}
	}
}

package correlation

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/dcbickfo/sagalock"
)

// Extractor pulls a correlation value out of a message.
type Extractor interface {
	Extract(msg *sagalock.Message) (value any, ok bool)
}

// Func adapts a function to an Extractor.
type Func func(msg *sagalock.Message) (any, bool)

func (f Func) Extract(msg *sagalock.Message) (any, bool) {
	return f(msg)
}

// Header extracts the named message header. Empty headers do not match.
func Header(name string) Extractor {
	return Func(func(msg *sagalock.Message) (any, bool) {
		v, ok := msg.Header(name)
		if !ok || v == "" {
			return nil, false
		}
		return v, true
	})
}

// Field extracts a dotted path such as "Order.Id" from the message body.
//
// Map bodies (as decoded from JSON) are indexed directly. Struct bodies are
// flattened with mapstructure, so `mapstructure` tags rename fields. Segments
// match exactly first and then case-insensitively.
func Field(path string) Extractor {
	segments := strings.Split(path, ".")
	return Func(func(msg *sagalock.Message) (any, bool) {
		if msg == nil {
			return nil, false
		}
		current := msg.Body
		for _, seg := range segments {
			next, ok := lookup(current, seg)
			if !ok {
				return nil, false
			}
			current = next
		}
		if current == nil {
			return nil, false
		}
		return current, true
	})
}

func lookup(v any, name string) (any, bool) {
	switch m := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return lookupMap(m, name)
	case map[string]string:
		if s, ok := m[name]; ok {
			return s, true
		}
		for k, s := range m {
			if strings.EqualFold(k, name) {
				return s, true
			}
		}
		return nil, false
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false
	}

	var flat map[string]any
	if err := mapstructure.Decode(rv.Interface(), &flat); err != nil {
		return nil, false
	}
	return lookupMap(flat, name)
}

func lookupMap(m map[string]any, name string) (any, bool) {
	if val, ok := m[name]; ok {
		return val, true
	}
	for k, val := range m {
		if strings.EqualFold(k, name) {
			return val, true
		}
	}
	return nil, false
}

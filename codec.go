package xrelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Codec encodes payloads when messages cross a transport. In-process
// delivery hands payloads over untouched.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default codec. Decoded payloads take encoding/json's
// generic shapes (map[string]any, []any, float64); use As to get a typed value.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// ErrUnknownCodec is returned by NewCodec for names never registered.
var ErrUnknownCodec = errors.New("xrelay: unknown codec")

var codecs = struct {
	sync.RWMutex
	byName map[string]func() Codec
}{byName: map[string]func() Codec{
	"json": func() Codec { return JSONCodec{} },
}}

// RegisterCodec makes a codec available to transports by name. Registering
// an existing name replaces it.
func RegisterCodec(name string, factory func() Codec) error {
	switch {
	case name == "":
		return errors.New("xrelay: codec name must not be empty")
	case factory == nil:
		return fmt.Errorf("xrelay: codec %q: nil factory", name)
	}
	codecs.Lock()
	codecs.byName[name] = factory
	codecs.Unlock()
	return nil
}

// NewCodec returns a fresh codec registered under name.
func NewCodec(name string) (Codec, error) {
	codecs.RLock()
	factory, ok := codecs.byName[name]
	codecs.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (have %v)", ErrUnknownCodec, name, Codecs())
	}
	return factory(), nil
}

// Codecs lists the registered codec names in sorted order.
func Codecs() []string {
	codecs.RLock()
	defer codecs.RUnlock()
	names := make([]string, 0, len(codecs.byName))
	for n := range codecs.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// As converts a payload into T. Values already of type T come back as they
// are; anything else, typically a payload a transport decoded generically,
// is re-encoded with c (JSON when nil) and decoded into T.
func As[T any](c Codec, payload any) (T, error) {
	var out T
	if v, ok := payload.(T); ok {
		return v, nil
	}
	if c == nil {
		c = JSONCodec{}
	}
	data, err := c.Marshal(payload)
	if err != nil {
		return out, fmt.Errorf("xrelay: re-encode %T: %w", payload, err)
	}
	if err := c.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("xrelay: decode into %T: %w", out, err)
	}
	return out, nil
}

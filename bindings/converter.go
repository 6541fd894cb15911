package bindings

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
)

type (
	// Converter translates between Datum values and the native values passed
	// to and returned from functions, for one or more binding types.
	Converter interface {
		// Decode converts an input datum to the argument passed to the
		// function.
		Decode(d *Datum, dc DecodeContext) (any, error)
		// Encode converts a value produced by the function, where expected
		// is the declared type of the output (may be empty).
		Encode(v any, expected string) (*Datum, error)
	}

	// DecodeContext provides parameter details to Converter.Decode.
	DecodeContext struct {
		// TriggerMetadata is only set for the trigger parameter.
		TriggerMetadata map[string]*Datum
		ParamName       string
		// DeclaredType is the native type the function declared for the
		// parameter, see the Declared* constants.
		DeclaredType string
	}

	// Registry maps binding type names to converters. Lookups for
	// unregistered types use the generic converter.
	Registry struct {
		mu         sync.RWMutex
		converters map[string]Converter
	}

	// GenericConverter handles the scalar and collection datum types, and is
	// the fallback for binding types with no registered converter.
	GenericConverter struct{}
)

// Declared native types understood by the built-in converters. Any other
// value (including empty) passes native datum values through.
const (
	DeclaredAny    = `any`
	DeclaredString = `string`
	DeclaredBytes  = `bytes`
	DeclaredInt    = `int`
	DeclaredFloat  = `float`
	DeclaredBool   = `bool`
	// DeclaredJSON decodes JSON content using encoding/json, into an any.
	DeclaredJSON = `json`
)

var _ Converter = GenericConverter{}

// NewRegistry returns a registry populated via RegisterDefaults.
func NewRegistry() *Registry {
	r := new(Registry)
	r.RegisterDefaults()
	return r
}

// Register adds or replaces the converter for bindingType.
func (r *Registry) Register(bindingType string, c Converter) {
	if c == nil {
		panic(`bindings: nil converter`)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.converters == nil {
		r.converters = make(map[string]Converter)
	}
	r.converters[bindingType] = c
}

// Lookup returns the converter for bindingType, or GenericConverter.
func (r *Registry) Lookup(bindingType string) Converter {
	r.mu.RLock()
	c, ok := r.converters[bindingType]
	r.mu.RUnlock()
	if !ok {
		return GenericConverter{}
	}
	return c
}

// Reset removes all registered converters, including defaults.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.converters = nil
	r.mu.Unlock()
}

// RegisterDefaults registers the built-in converters.
func (r *Registry) RegisterDefaults() {
	var (
		http  HTTPConverter
		timer TimerConverter
		queue QueueConverter
		blob  BlobConverter
	)
	r.Register(`http`, http)
	r.Register(`httpTrigger`, http)
	r.Register(`timerTrigger`, timer)
	r.Register(`queue`, queue)
	r.Register(`queueTrigger`, queue)
	r.Register(`blob`, blob)
	r.Register(`blobTrigger`, blob)
}

func (r *Registry) Decode(bindingType string, d *Datum, dc DecodeContext) (any, error) {
	v, err := r.Lookup(bindingType).Decode(d, dc)
	if err != nil {
		return nil, fmt.Errorf(`bindings: decode %s parameter %q: %w`, bindingType, dc.ParamName, err)
	}
	return v, nil
}

func (r *Registry) Encode(bindingType string, v any, expected string) (*Datum, error) {
	d, err := r.Lookup(bindingType).Encode(v, expected)
	if err != nil {
		return nil, fmt.Errorf(`bindings: encode %s: %w`, bindingType, err)
	}
	return d, nil
}

func (GenericConverter) Decode(d *Datum, dc DecodeContext) (any, error) {
	if d.IsNone() {
		return nil, nil
	}
	switch dc.DeclaredType {
	case DeclaredString:
		switch v := d.Value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		}
	case DeclaredBytes:
		switch v := d.Value.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
	case DeclaredInt:
		switch v := d.Value.(type) {
		case int64:
			return v, nil
		case string:
			return strconv.ParseInt(v, 10, 64)
		}
	case DeclaredFloat:
		switch v := d.Value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case string:
			return strconv.ParseFloat(v, 64)
		}
	case DeclaredBool:
		switch v := d.Value.(type) {
		case string:
			return strconv.ParseBool(v)
		case int64:
			return v != 0, nil
		}
	case DeclaredJSON:
		var raw []byte
		switch v := d.Value.(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			return d.Value, nil
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		switch d.Type {
		case TypeString, TypeBytes, TypeInt, TypeDouble, TypeJSON,
			TypeCollectionString, TypeCollectionBytes, TypeCollectionDouble, TypeCollectionSint64,
			TypeModelBindingData:
			return d.Value, nil
		}
		return nil, fmt.Errorf(`%w: generic decode of %s`, ErrUnsupportedType, d.Type)
	}
	return nil, fmt.Errorf(`%w: %s datum as %s`, ErrUnsupportedType, d.Type, dc.DeclaredType)
}

func (GenericConverter) Encode(v any, _ string) (*Datum, error) {
	switch v := v.(type) {
	case nil:
		return None(), nil
	case *Datum:
		if v == nil {
			return None(), nil
		}
		return v, nil
	case string:
		return &Datum{Value: v, Type: TypeString}, nil
	case []byte:
		return &Datum{Value: v, Type: TypeBytes}, nil
	case json.RawMessage:
		return &Datum{Value: string(v), Type: TypeJSON}, nil
	case int:
		return &Datum{Value: int64(v), Type: TypeInt}, nil
	case int32:
		return &Datum{Value: int64(v), Type: TypeInt}, nil
	case int64:
		return &Datum{Value: v, Type: TypeInt}, nil
	case float32:
		return &Datum{Value: float64(v), Type: TypeDouble}, nil
	case float64:
		return &Datum{Value: v, Type: TypeDouble}, nil
	case []string:
		return &Datum{Value: v, Type: TypeCollectionString}, nil
	case [][]byte:
		return &Datum{Value: v, Type: TypeCollectionBytes}, nil
	case []float64:
		return &Datum{Value: v, Type: TypeCollectionDouble}, nil
	case []int64:
		return &Datum{Value: v, Type: TypeCollectionSint64}, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf(`%w: %T: %w`, ErrUnsupportedType, v, err)
		}
		return &Datum{Value: string(b), Type: TypeJSON}, nil
	}
}

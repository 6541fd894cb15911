package bindings

import (
	"errors"
	"fmt"

	"github.com/joeycumines/go-funcworker/wire"
)

type (
	// Datum is a typed value, in transit between the wire and a converter.
	// Conversion is keyed on Type alone, Value must have the Go type
	// documented for each DatumType.
	Datum struct {
		Value any
		Type  DatumType
	}

	// DatumType identifies the representation of a Datum.
	DatumType string

	// HTTPDatum is the Value of a TypeHTTP datum. Nil maps and a nil Body
	// mean the field was absent.
	HTTPDatum struct {
		Method                   string
		URL                      string
		Headers                  map[string]string
		Params                   map[string]string
		Query                    map[string]string
		Body                     *Datum
		StatusCode               string
		Cookies                  []*wire.RpcHttpCookie
		EnableContentNegotiation bool
	}
)

const (
	TypeNone             DatumType = `none`
	TypeString           DatumType = `string`             // string
	TypeBytes            DatumType = `bytes`              // []byte
	TypeInt              DatumType = `int`                // int64
	TypeDouble           DatumType = `double`             // float64
	TypeJSON             DatumType = `json`               // string, containing JSON
	TypeCollectionString DatumType = `collection_string`  // []string
	TypeCollectionBytes  DatumType = `collection_bytes`   // [][]byte
	TypeCollectionDouble DatumType = `collection_double`  // []float64
	TypeCollectionSint64 DatumType = `collection_sint64`  // []int64
	TypeHTTP             DatumType = `http`               // *HTTPDatum
	TypeModelBindingData DatumType = `model_binding_data` // *wire.ModelBindingData
)

var (
	ErrUnsupportedType = errors.New(`bindings: unsupported type`)
	ErrInvalidValue    = errors.New(`bindings: value does not match datum type`)
)

// None returns a datum representing an absent value.
func None() *Datum { return &Datum{Type: TypeNone} }

// IsNone returns true for a nil datum or one of TypeNone.
func (x *Datum) IsNone() bool { return x == nil || x.Type == TypeNone || x.Type == `` }

// Native returns the Go value of the datum, nil for none.
func (x *Datum) Native() any {
	if x.IsNone() {
		return nil
	}
	return x.Value
}

func (x *Datum) String() string {
	if x.IsNone() {
		return `<Datum none>`
	}
	return fmt.Sprintf(`<Datum %s %v>`, x.Type, x.Value)
}

// FromTypedData converts a wire value. An absent value (nil or with no
// field set) becomes TypeNone.
func FromTypedData(td *wire.TypedData) (*Datum, error) {
	switch td.Kind() {
	case ``:
		return None(), nil
	case `string`:
		return &Datum{Value: *td.String, Type: TypeString}, nil
	case `json`:
		return &Datum{Value: *td.JSON, Type: TypeJSON}, nil
	case `bytes`:
		return &Datum{Value: td.Bytes, Type: TypeBytes}, nil
	case `stream`:
		return &Datum{Value: td.Stream, Type: TypeBytes}, nil
	case `int`:
		return &Datum{Value: *td.Int, Type: TypeInt}, nil
	case `double`:
		return &Datum{Value: *td.Double, Type: TypeDouble}, nil
	case `collection_string`:
		return &Datum{Value: td.CollectionString.String, Type: TypeCollectionString}, nil
	case `collection_bytes`:
		return &Datum{Value: td.CollectionBytes.Bytes, Type: TypeCollectionBytes}, nil
	case `collection_double`:
		return &Datum{Value: td.CollectionDouble.Double, Type: TypeCollectionDouble}, nil
	case `collection_sint64`:
		return &Datum{Value: td.CollectionSint64.Sint64, Type: TypeCollectionSint64}, nil
	case `model_binding_data`:
		return &Datum{Value: td.ModelBindingData, Type: TypeModelBindingData}, nil
	case `http`:
		h := td.HTTP
		v := HTTPDatum{
			Method:                   h.Method,
			URL:                      h.URL,
			Headers:                  h.Headers,
			Params:                   h.Params,
			Query:                    h.Query,
			StatusCode:               h.StatusCode,
			Cookies:                  h.Cookies,
			EnableContentNegotiation: h.EnableContentNegotiation,
		}
		body := h.Body
		if body.Kind() == `` {
			body = h.RawBody
		}
		if body.Kind() != `` {
			d, err := FromTypedData(body)
			if err != nil {
				return nil, fmt.Errorf(`bindings: http body: %w`, err)
			}
			v.Body = d
		}
		return &Datum{Value: &v, Type: TypeHTTP}, nil
	default:
		return nil, fmt.Errorf(`%w: typed data %s`, ErrUnsupportedType, td.Kind())
	}
}

// ToTypedData converts to the wire form, returning nil for none.
func ToTypedData(d *Datum) (*wire.TypedData, error) {
	if d.IsNone() {
		return nil, nil
	}
	mismatch := func() error {
		return fmt.Errorf(`%w: %s datum holding %T`, ErrInvalidValue, d.Type, d.Value)
	}
	switch d.Type {
	case TypeString:
		if v, ok := d.Value.(string); ok {
			return &wire.TypedData{String: &v}, nil
		}
	case TypeJSON:
		if v, ok := d.Value.(string); ok {
			return &wire.TypedData{JSON: &v}, nil
		}
	case TypeBytes:
		if v, ok := d.Value.([]byte); ok {
			if v == nil {
				v = []byte{}
			}
			return &wire.TypedData{Bytes: v}, nil
		}
	case TypeInt:
		if v, ok := d.Value.(int64); ok {
			return &wire.TypedData{Int: &v}, nil
		}
	case TypeDouble:
		if v, ok := d.Value.(float64); ok {
			return &wire.TypedData{Double: &v}, nil
		}
	case TypeCollectionString:
		if v, ok := d.Value.([]string); ok {
			return &wire.TypedData{CollectionString: &wire.CollectionString{String: v}}, nil
		}
	case TypeCollectionBytes:
		if v, ok := d.Value.([][]byte); ok {
			return &wire.TypedData{CollectionBytes: &wire.CollectionBytes{Bytes: v}}, nil
		}
	case TypeCollectionDouble:
		if v, ok := d.Value.([]float64); ok {
			return &wire.TypedData{CollectionDouble: &wire.CollectionDouble{Double: v}}, nil
		}
	case TypeCollectionSint64:
		if v, ok := d.Value.([]int64); ok {
			return &wire.TypedData{CollectionSint64: &wire.CollectionSInt64{Sint64: v}}, nil
		}
	case TypeModelBindingData:
		if v, ok := d.Value.(*wire.ModelBindingData); ok && v != nil {
			return &wire.TypedData{ModelBindingData: v}, nil
		}
	case TypeHTTP:
		if v, ok := d.Value.(*HTTPDatum); ok && v != nil {
			body, err := ToTypedData(v.Body)
			if err != nil {
				return nil, fmt.Errorf(`bindings: http body: %w`, err)
			}
			return &wire.TypedData{HTTP: &wire.RpcHttp{
				Method:                   v.Method,
				URL:                      v.URL,
				Headers:                  v.Headers,
				Params:                   v.Params,
				Query:                    v.Query,
				Body:                     body,
				StatusCode:               v.StatusCode,
				Cookies:                  v.Cookies,
				EnableContentNegotiation: v.EnableContentNegotiation,
			}}, nil
		}
	default:
		return nil, fmt.Errorf(`%w: datum %s`, ErrUnsupportedType, d.Type)
	}
	return nil, mismatch()
}

package wire

import (
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type (
	// TypedData is the wire representation of a single value. At most one
	// field is populated, see Kind.
	//
	// Bytes and Stream use omitzero so that an empty, non-nil slice stays
	// distinguishable from an absent one.
	TypedData struct {
		String           *string           `json:"string,omitempty"`
		JSON             *string           `json:"json,omitempty"`
		Bytes            []byte            `json:"bytes,omitzero"`
		Stream           []byte            `json:"stream,omitzero"`
		HTTP             *RpcHttp          `json:"http,omitempty"`
		Int              *int64            `json:"int,omitempty"`
		Double           *float64          `json:"double,omitempty"`
		CollectionBytes  *CollectionBytes  `json:"collection_bytes,omitempty"`
		CollectionString *CollectionString `json:"collection_string,omitempty"`
		CollectionDouble *CollectionDouble `json:"collection_double,omitempty"`
		CollectionSint64 *CollectionSInt64 `json:"collection_sint64,omitempty"`
		ModelBindingData *ModelBindingData `json:"model_binding_data,omitempty"`
	}

	CollectionBytes struct {
		Bytes [][]byte `json:"bytes,omitzero"`
	}

	CollectionString struct {
		String []string `json:"string,omitzero"`
	}

	CollectionDouble struct {
		Double []float64 `json:"double,omitzero"`
	}

	CollectionSInt64 struct {
		Sint64 []int64 `json:"sint64,omitzero"`
	}

	// ModelBindingData is an opaque reference to a resource, resolved by a
	// deferred binding registry rather than decoded inline.
	ModelBindingData struct {
		Version     string `json:"version,omitempty"`
		Source      string `json:"source,omitempty"`
		ContentType string `json:"content_type,omitempty"`
		Content     []byte `json:"content,omitzero"`
	}

	// RpcHttp carries an HTTP request (inbound) or response (outbound).
	// Maps use omitzero: nil means the field was absent, an empty map means
	// it was present with no entries.
	RpcHttp struct {
		Method                   string            `json:"method,omitempty"`
		URL                      string            `json:"url,omitempty"`
		Headers                  map[string]string `json:"headers,omitzero"`
		Body                     *TypedData        `json:"body,omitempty"`
		Params                   map[string]string `json:"params,omitzero"`
		StatusCode               string            `json:"status_code,omitempty"`
		Query                    map[string]string `json:"query,omitzero"`
		EnableContentNegotiation bool              `json:"enable_content_negotiation,omitempty"`
		RawBody                  *TypedData        `json:"raw_body,omitempty"`
		Cookies                  []*RpcHttpCookie  `json:"cookies,omitzero"`
	}

	// RpcHttpCookie uses wrapper messages for every optional attribute, so
	// "not set" is distinct from a zero value.
	RpcHttpCookie struct {
		Name     string                  `json:"name,omitempty"`
		Value    string                  `json:"value,omitempty"`
		Domain   *wrapperspb.StringValue `json:"domain,omitempty"`
		Path     *wrapperspb.StringValue `json:"path,omitempty"`
		Expires  *timestamppb.Timestamp  `json:"expires,omitempty"`
		Secure   *wrapperspb.BoolValue   `json:"secure,omitempty"`
		HTTPOnly *wrapperspb.BoolValue   `json:"http_only,omitempty"`
		SameSite SameSite                `json:"same_site,omitempty"`
		MaxAge   *wrapperspb.DoubleValue `json:"max_age,omitempty"`
	}

	SameSite int32

	// RpcSharedMemory references content the host or worker placed in a
	// shared memory segment instead of inline.
	RpcSharedMemory struct {
		Name   string      `json:"name,omitempty"`
		Offset int64       `json:"offset,omitempty"`
		Count  int64       `json:"count,omitempty"`
		Type   RpcDataType `json:"type,omitempty"`
	}

	RpcDataType int32
)

const (
	SameSiteNone SameSite = iota
	SameSiteLax
	SameSiteStrict
	SameSiteExplicitNone
)

const (
	RpcDataTypeUnknown RpcDataType = iota
	RpcDataTypeString
	RpcDataTypeJSON
	RpcDataTypeBytes
	RpcDataTypeStream
	RpcDataTypeHTTP
	RpcDataTypeInt
	RpcDataTypeDouble
	RpcDataTypeCollectionBytes
	RpcDataTypeCollectionString
	RpcDataTypeCollectionDouble
	RpcDataTypeCollectionSint64
)

// Kind returns the name of the populated field, or "" if none is (including
// for a nil receiver).
func (x *TypedData) Kind() string {
	switch {
	case x == nil:
		return ``
	case x.String != nil:
		return `string`
	case x.JSON != nil:
		return `json`
	case x.Bytes != nil:
		return `bytes`
	case x.Stream != nil:
		return `stream`
	case x.HTTP != nil:
		return `http`
	case x.Int != nil:
		return `int`
	case x.Double != nil:
		return `double`
	case x.CollectionBytes != nil:
		return `collection_bytes`
	case x.CollectionString != nil:
		return `collection_string`
	case x.CollectionDouble != nil:
		return `collection_double`
	case x.CollectionSint64 != nil:
		return `collection_sint64`
	case x.ModelBindingData != nil:
		return `model_binding_data`
	default:
		return ``
	}
}

func (x RpcDataType) String() string {
	switch x {
	case RpcDataTypeString:
		return `string`
	case RpcDataTypeJSON:
		return `json`
	case RpcDataTypeBytes:
		return `bytes`
	case RpcDataTypeStream:
		return `stream`
	case RpcDataTypeHTTP:
		return `http`
	case RpcDataTypeInt:
		return `int`
	case RpcDataTypeDouble:
		return `double`
	case RpcDataTypeCollectionBytes:
		return `collection_bytes`
	case RpcDataTypeCollectionString:
		return `collection_string`
	case RpcDataTypeCollectionDouble:
		return `collection_double`
	case RpcDataTypeCollectionSint64:
		return `collection_sint64`
	default:
		return `unknown`
	}
}

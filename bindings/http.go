package bindings

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/go-funcworker/wire"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type (
	// HTTPRequest is the argument passed for http trigger parameters. Nil
	// maps and a nil Body mean the field was absent.
	HTTPRequest struct {
		Method  string
		URL     string
		Headers map[string]string
		Params  map[string]string
		Query   map[string]string
		Body    []byte
	}

	// HTTPResponse may be returned by functions with an http output (or
	// return) binding.
	HTTPResponse struct {
		Headers map[string]string
		Body    []byte
		Cookies []*Cookie
		// StatusCode defaults to 200.
		StatusCode int
	}

	// Cookie is a response cookie. Nil attributes are not set.
	Cookie struct {
		Domain   *string
		Path     *string
		Expires  *time.Time
		Secure   *bool
		HTTPOnly *bool
		MaxAge   *float64
		Name     string
		Value    string
		SameSite SameSite
	}

	// SameSite is the cookie SameSite attribute, where empty is not set.
	SameSite string

	// HTTPConverter converts http trigger requests and http responses.
	HTTPConverter struct{}
)

const (
	SameSiteUnset  SameSite = ``
	SameSiteLax    SameSite = `Lax`
	SameSiteStrict SameSite = `Strict`
	SameSiteNone   SameSite = `None`
)

var _ Converter = HTTPConverter{}

// Header returns the value of the named header, matched case-insensitively.
func (x *HTTPRequest) Header(name string) (string, bool) {
	if v, ok := x.Headers[name]; ok {
		return v, true
	}
	for k, v := range x.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return ``, false
}

// JSON unmarshals the request body into v.
func (x *HTTPRequest) JSON(v any) error {
	return json.Unmarshal(x.Body, v)
}

// Ptr returns a pointer to v, for nullable fields such as cookie
// attributes.
func Ptr[T any](v T) *T { return &v }

func (HTTPConverter) Decode(d *Datum, _ DecodeContext) (any, error) {
	if d.IsNone() {
		return nil, nil
	}
	if d.Type != TypeHTTP {
		return nil, fmt.Errorf(`%w: http decode of %s`, ErrUnsupportedType, d.Type)
	}
	h, ok := d.Value.(*HTTPDatum)
	if !ok || h == nil {
		return nil, fmt.Errorf(`%w: http datum holding %T`, ErrInvalidValue, d.Value)
	}
	body, err := bodyBytes(h.Body)
	if err != nil {
		return nil, err
	}
	return &HTTPRequest{
		Method:  h.Method,
		URL:     h.URL,
		Headers: h.Headers,
		Params:  h.Params,
		Query:   h.Query,
		Body:    body,
	}, nil
}

func (HTTPConverter) Encode(v any, _ string) (*Datum, error) {
	if v == nil {
		return None(), nil
	}
	if d, ok := v.(*Datum); ok {
		return d, nil
	}
	res, err := AsHTTPResponse(v)
	if err != nil {
		return nil, err
	}
	h := HTTPDatum{
		StatusCode: strconv.Itoa(res.StatusCode),
		Headers:    res.Headers,
		Body:       &Datum{Value: res.Body, Type: TypeBytes},
	}
	if h.Headers == nil {
		h.Headers = map[string]string{}
	}
	if res.Body == nil {
		h.Body.Value = []byte{}
	}
	for _, c := range res.Cookies {
		h.Cookies = append(h.Cookies, c.RpcHttpCookie())
	}
	return &Datum{Value: &h, Type: TypeHTTP}, nil
}

// AsHTTPResponse normalises a value returned from an http function. Strings
// and bytes become the body, other non-response values are encoded as a
// JSON body.
func AsHTTPResponse(v any) (*HTTPResponse, error) {
	var res HTTPResponse
	switch v := v.(type) {
	case *HTTPResponse:
		if v == nil {
			return nil, fmt.Errorf(`%w: nil *HTTPResponse`, ErrInvalidValue)
		}
		res = *v
	case HTTPResponse:
		res = v
	case string:
		res.Body = []byte(v)
		res.Headers = map[string]string{`Content-Type`: `text/plain; charset=utf-8`}
	case []byte:
		res.Body = v
	case nil:
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf(`%w: %T: %w`, ErrUnsupportedType, v, err)
		}
		res.Body = b
		res.Headers = map[string]string{`Content-Type`: `application/json`}
	}
	if res.StatusCode == 0 {
		res.StatusCode = http.StatusOK
	}
	return &res, nil
}

// RpcHttpCookie converts to the wire form.
func (x *Cookie) RpcHttpCookie() *wire.RpcHttpCookie {
	c := wire.RpcHttpCookie{
		Name:  x.Name,
		Value: x.Value,
	}
	if x.Domain != nil {
		c.Domain = wrapperspb.String(*x.Domain)
	}
	if x.Path != nil {
		c.Path = wrapperspb.String(*x.Path)
	}
	if x.Expires != nil {
		c.Expires = timestamppb.New(*x.Expires)
	}
	if x.Secure != nil {
		c.Secure = wrapperspb.Bool(*x.Secure)
	}
	if x.HTTPOnly != nil {
		c.HTTPOnly = wrapperspb.Bool(*x.HTTPOnly)
	}
	if x.MaxAge != nil {
		c.MaxAge = wrapperspb.Double(*x.MaxAge)
	}
	switch x.SameSite {
	case SameSiteLax:
		c.SameSite = wire.SameSiteLax
	case SameSiteStrict:
		c.SameSite = wire.SameSiteStrict
	case SameSiteNone:
		c.SameSite = wire.SameSiteExplicitNone
	}
	return &c
}

// CookieFromRpc converts from the wire form.
func CookieFromRpc(c *wire.RpcHttpCookie) *Cookie {
	x := Cookie{
		Name:  c.Name,
		Value: c.Value,
	}
	if c.Domain != nil {
		x.Domain = Ptr(c.Domain.GetValue())
	}
	if c.Path != nil {
		x.Path = Ptr(c.Path.GetValue())
	}
	if c.Expires != nil {
		x.Expires = Ptr(c.Expires.AsTime())
	}
	if c.Secure != nil {
		x.Secure = Ptr(c.Secure.GetValue())
	}
	if c.HTTPOnly != nil {
		x.HTTPOnly = Ptr(c.HTTPOnly.GetValue())
	}
	if c.MaxAge != nil {
		x.MaxAge = Ptr(c.MaxAge.GetValue())
	}
	switch c.SameSite {
	case wire.SameSiteLax:
		x.SameSite = SameSiteLax
	case wire.SameSiteStrict:
		x.SameSite = SameSiteStrict
	case wire.SameSiteExplicitNone:
		x.SameSite = SameSiteNone
	}
	return &x
}

func bodyBytes(d *Datum) ([]byte, error) {
	if d.IsNone() {
		return nil, nil
	}
	switch v := d.Value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case float64:
		return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
	default:
		return nil, fmt.Errorf(`%w: http body of %s`, ErrUnsupportedType, d.Type)
	}
}

package bindings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

type (
	// TimerRequest is the argument passed for timerTrigger parameters.
	TimerRequest struct {
		ScheduleStatus *TimerScheduleStatus `json:"ScheduleStatus"`
		Schedule       TimerSchedule        `json:"Schedule"`
		IsPastDue      bool                 `json:"IsPastDue"`
	}

	TimerSchedule struct {
		AdjustForDST bool `json:"AdjustForDST"`
	}

	// TimerScheduleStatus holds the host's timestamps, as provided.
	TimerScheduleStatus struct {
		Last        string `json:"Last"`
		Next        string `json:"Next"`
		LastUpdated string `json:"LastUpdated"`
	}

	// QueueMessage is the argument passed for queueTrigger parameters, and
	// may be set on queue output bindings.
	QueueMessage struct {
		InsertionTime   *time.Time
		ExpirationTime  *time.Time
		NextVisibleTime *time.Time
		ID              string
		PopReceipt      string
		Body            []byte
		DequeueCount    int64
	}

	// InputStream is the argument passed for blob parameters.
	InputStream struct {
		*bytes.Reader
		Name   string
		URI    string
		Length int64
	}

	TimerConverter struct{}

	QueueConverter struct{}

	BlobConverter struct{}
)

var (
	_ Converter = TimerConverter{}
	_ Converter = QueueConverter{}
	_ Converter = BlobConverter{}
)

func (TimerConverter) Decode(d *Datum, _ DecodeContext) (any, error) {
	if d.IsNone() {
		return nil, nil
	}
	raw, err := rawContent(d)
	if err != nil {
		return nil, err
	}
	var v TimerRequest
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf(`bindings: timer request: %w`, err)
	}
	return &v, nil
}

func (TimerConverter) Encode(v any, _ string) (*Datum, error) {
	return nil, fmt.Errorf(`%w: timer output %T`, ErrUnsupportedType, v)
}

func (QueueConverter) Decode(d *Datum, dc DecodeContext) (any, error) {
	if d.IsNone() {
		return nil, nil
	}
	body, err := rawContent(d)
	if err != nil {
		return nil, err
	}
	switch dc.DeclaredType {
	case DeclaredBytes:
		return body, nil
	case DeclaredString:
		return string(body), nil
	}
	md := dc.TriggerMetadata
	msg := QueueMessage{
		Body:       body,
		ID:         metaString(md, `Id`),
		PopReceipt: metaString(md, `PopReceipt`),
	}
	if msg.DequeueCount, err = metaInt(md, `DequeueCount`); err != nil {
		return nil, err
	}
	for _, f := range [...]struct {
		key string
		dst **time.Time
	}{
		{`InsertionTime`, &msg.InsertionTime},
		{`ExpirationTime`, &msg.ExpirationTime},
		{`NextVisibleTime`, &msg.NextVisibleTime},
	} {
		if *f.dst, err = metaTime(md, f.key); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

func (QueueConverter) Encode(v any, expected string) (*Datum, error) {
	switch v := v.(type) {
	case *QueueMessage:
		if v == nil {
			return None(), nil
		}
		return &Datum{Value: v.Body, Type: TypeBytes}, nil
	case []*QueueMessage:
		s := make([]string, 0, len(v))
		for _, m := range v {
			s = append(s, string(m.Body))
		}
		return &Datum{Value: s, Type: TypeCollectionString}, nil
	default:
		return GenericConverter{}.Encode(v, expected)
	}
}

func (BlobConverter) Decode(d *Datum, dc DecodeContext) (any, error) {
	if d.IsNone() {
		return nil, nil
	}
	var content []byte
	switch v := d.Value.(type) {
	case []byte:
		content = v
	case string:
		content = []byte(v)
	default:
		return nil, fmt.Errorf(`%w: blob decode of %s`, ErrUnsupportedType, d.Type)
	}
	if dc.DeclaredType == DeclaredBytes {
		return content, nil
	}
	if dc.DeclaredType == DeclaredString {
		return string(content), nil
	}
	md := dc.TriggerMetadata
	s := InputStream{
		Reader: bytes.NewReader(content),
		Name:   metaString(md, `BlobTrigger`),
		URI:    metaString(md, `Uri`),
		Length: int64(len(content)),
	}
	if s.Name == `` {
		s.Name = metaString(md, `Name`)
	}
	return &s, nil
}

func (BlobConverter) Encode(v any, expected string) (*Datum, error) {
	switch v := v.(type) {
	case *InputStream:
		if v == nil {
			return None(), nil
		}
		return readerDatum(v)
	case io.Reader:
		return readerDatum(v)
	default:
		return GenericConverter{}.Encode(v, expected)
	}
}

func readerDatum(r io.Reader) (*Datum, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf(`bindings: read blob: %w`, err)
	}
	return &Datum{Value: b, Type: TypeBytes}, nil
}

func rawContent(d *Datum) ([]byte, error) {
	switch v := d.Value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf(`%w: %s content`, ErrUnsupportedType, d.Type)
	}
}

// metaString returns a string metadata value, unquoting JSON strings.
func metaString(md map[string]*Datum, key string) string {
	d := md[key]
	if d.IsNone() {
		return ``
	}
	switch v := d.Value.(type) {
	case string:
		if d.Type == TypeJSON {
			var s string
			if json.Unmarshal([]byte(v), &s) == nil {
				return s
			}
		}
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

func metaInt(md map[string]*Datum, key string) (int64, error) {
	d := md[key]
	if d.IsNone() {
		return 0, nil
	}
	switch v := d.Value.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	}
	s := strings.TrimSpace(metaString(md, key))
	if s == `` {
		return 0, nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf(`bindings: trigger metadata %s: %w`, key, err)
	}
	return i, nil
}

var metaTimeLayouts = [...]string{
	time.RFC3339Nano,
	`2006-01-02T15:04:05.999999999`,
	`2006-01-02T15:04:05`,
	time.RFC1123,
}

func metaTime(md map[string]*Datum, key string) (*time.Time, error) {
	s := strings.TrimSpace(metaString(md, key))
	if s == `` {
		return nil, nil
	}
	for _, layout := range metaTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf(`bindings: trigger metadata %s: invalid time %q`, key, s)
}

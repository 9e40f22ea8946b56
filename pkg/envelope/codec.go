package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// bytesPrefix marks a wire string whose remainder is the base64 of the
// original bytes. The transport only carries text; any byte string in an
// envelope is re-encoded behind this sentinel and recovered on decode.
const bytesPrefix = "application/base64:"

// DecodeError reports a structurally invalid wire payload. It covers
// both malformed JSON and well-formed JSON that does not describe an
// envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("envelope: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErrf(err error, format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// encodeBytes re-encodes raw bytes into the sentinel-prefixed textual
// form. A nil slice encodes the same as an empty one.
func encodeBytes(b []byte) string {
	return bytesPrefix + base64.StdEncoding.EncodeToString(b)
}

// decodeValue recursively replaces sentinel-prefixed strings with the
// bytes they encode. Non-prefixed strings, numbers, booleans and nulls
// pass through verbatim; maps and lists are walked.
func decodeValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		if len(t) >= len(bytesPrefix) && t[:len(bytesPrefix)] == bytesPrefix {
			raw, err := base64.StdEncoding.DecodeString(t[len(bytesPrefix):])
			if err != nil {
				return nil, decodeErrf(err, "invalid base64 payload")
			}
			return raw, nil
		}
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			dec, err := decodeValue(inner)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			dec, err := decodeValue(inner)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return v, nil
	}
}

func headersToWire(headers []Header) any {
	if headers == nil {
		return nil
	}
	out := make([]any, 0, len(headers))
	for _, h := range headers {
		out = append(out, []any{encodeBytes(h.Name), encodeBytes(h.Value)})
	}
	return out
}

func headersFromWire(v any, field string) ([]Header, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, decodeErrf(nil, "field %q is not a header list", field)
	}
	headers := make([]Header, 0, len(list))
	for _, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, decodeErrf(nil, "field %q contains a malformed header pair", field)
		}
		name, ok := pair[0].([]byte)
		if !ok {
			return nil, decodeErrf(nil, "field %q contains a non-byte header name", field)
		}
		value, ok := pair[1].([]byte)
		if !ok {
			return nil, decodeErrf(nil, "field %q contains a non-byte header value", field)
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}

// ToWireForm converts the request into the nested primitive mapping the
// transport codec serializes. Byte fields are sentinel-encoded.
func (r *Request) ToWireForm() map[string]any {
	return map[string]any{
		"http_version":    encodeBytes(r.HTTPVersion),
		"host":            r.Host,
		"port":            r.Port,
		"scheme":          encodeBytes(r.Scheme),
		"method":          encodeBytes(r.Method),
		"path":            encodeBytes(r.Path),
		"authority":       encodeBytes(r.Authority),
		"headers":         headersToWire(r.Headers),
		"content":         encodeBytes(r.Content),
		"trailers":        headersToWire(r.Trailers),
		"timestamp_start": r.TimestampStart,
		"timestamp_end":   r.TimestampEnd,
	}
}

// ToWireForm converts the response into the nested primitive mapping the
// transport codec serializes.
func (r *Response) ToWireForm() map[string]any {
	return map[string]any{
		"http_version":    encodeBytes(r.HTTPVersion),
		"status_code":     r.StatusCode,
		"reason":          encodeBytes(r.Reason),
		"headers":         headersToWire(r.Headers),
		"content":         encodeBytes(r.Content),
		"trailers":        headersToWire(r.Trailers),
		"timestamp_start": r.TimestampStart,
		"timestamp_end":   r.TimestampEnd,
	}
}

// EncodeRequest serializes a request envelope to its UTF-8 JSON wire
// body.
func EncodeRequest(r *Request) ([]byte, error) {
	return json.Marshal(r.ToWireForm())
}

// EncodeResponse serializes a response envelope to its UTF-8 JSON wire
// body.
func EncodeResponse(r *Response) ([]byte, error) {
	return json.Marshal(r.ToWireForm())
}

type wireMap map[string]any

func parseWire(data []byte) (wireMap, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, decodeErrf(err, "not a JSON object")
	}
	decoded, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		return nil, decodeErrf(nil, "top-level value is not an object")
	}
	return m, nil
}

func (m wireMap) bytesField(field string) ([]byte, error) {
	v, ok := m[field]
	if !ok || v == nil {
		return nil, decodeErrf(nil, "missing field %q", field)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, decodeErrf(nil, "field %q is not a byte string", field)
	}
	return b, nil
}

func (m wireMap) stringField(field string) (string, error) {
	v, ok := m[field]
	if !ok || v == nil {
		return "", decodeErrf(nil, "missing field %q", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", decodeErrf(nil, "field %q is not a string", field)
	}
	return s, nil
}

func (m wireMap) intField(field string) (int, error) {
	v, ok := m[field]
	if !ok || v == nil {
		return 0, decodeErrf(nil, "missing field %q", field)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, decodeErrf(nil, "field %q is not a number", field)
	}
	return int(f), nil
}

func (m wireMap) floatField(field string) (float64, error) {
	v, ok := m[field]
	if !ok || v == nil {
		return 0, decodeErrf(nil, "missing field %q", field)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, decodeErrf(nil, "field %q is not a number", field)
	}
	return f, nil
}

// DecodeRequest parses a wire body back into a request envelope. The
// round trip through EncodeRequest is exact, including header order.
func DecodeRequest(data []byte) (*Request, error) {
	m, err := parseWire(data)
	if err != nil {
		return nil, err
	}
	r := &Request{}
	if r.HTTPVersion, err = m.bytesField("http_version"); err != nil {
		return nil, err
	}
	if r.Host, err = m.stringField("host"); err != nil {
		return nil, err
	}
	if r.Port, err = m.intField("port"); err != nil {
		return nil, err
	}
	if r.Scheme, err = m.bytesField("scheme"); err != nil {
		return nil, err
	}
	if r.Method, err = m.bytesField("method"); err != nil {
		return nil, err
	}
	if r.Path, err = m.bytesField("path"); err != nil {
		return nil, err
	}
	if r.Authority, err = m.bytesField("authority"); err != nil {
		return nil, err
	}
	if r.Headers, err = headersFromWire(m["headers"], "headers"); err != nil {
		return nil, err
	}
	if r.Content, err = m.bytesField("content"); err != nil {
		return nil, err
	}
	if r.Trailers, err = headersFromWire(m["trailers"], "trailers"); err != nil {
		return nil, err
	}
	if r.TimestampStart, err = m.floatField("timestamp_start"); err != nil {
		return nil, err
	}
	if r.TimestampEnd, err = m.floatField("timestamp_end"); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeResponse parses a wire body back into a response envelope.
func DecodeResponse(data []byte) (*Response, error) {
	m, err := parseWire(data)
	if err != nil {
		return nil, err
	}
	r := &Response{}
	if r.HTTPVersion, err = m.bytesField("http_version"); err != nil {
		return nil, err
	}
	if r.StatusCode, err = m.intField("status_code"); err != nil {
		return nil, err
	}
	if r.Reason, err = m.bytesField("reason"); err != nil {
		return nil, err
	}
	if r.Headers, err = headersFromWire(m["headers"], "headers"); err != nil {
		return nil, err
	}
	if r.Content, err = m.bytesField("content"); err != nil {
		return nil, err
	}
	if r.Trailers, err = headersFromWire(m["trailers"], "trailers"); err != nil {
		return nil, err
	}
	if r.TimestampStart, err = m.floatField("timestamp_start"); err != nil {
		return nil, err
	}
	if r.TimestampEnd, err = m.floatField("timestamp_end"); err != nil {
		return nil, err
	}
	return r, nil
}

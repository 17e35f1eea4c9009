// Package rpc lets a process without store access drive a scheduler by
// method name. Requests and replies are JSON documents in which models,
// timestamps and errors travel as tagged objects.
package rpc

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"time"

	"github.com/DEEJ4Y/quartz"
)

// Tags of the encoded compound values.
const (
	TagValues    = "__values__"
	TagException = "__exception__"
	TagDatetime  = "__datetime__"
)

// Request is the decoded form of a remote call.
type Request struct {
	Method string
	Args   []interface{}
}

// Codec converts between Go values and their wire shapes.
type Codec struct {
	models     *quartz.ModelRegistry
	exceptions *ExceptionRegistry
}

// NewCodec returns a codec resolving models through models and exceptions
// through exceptions. Nil arguments select the defaults.
func NewCodec(models *quartz.ModelRegistry, exceptions *ExceptionRegistry) *Codec {
	if models == nil {
		models = quartz.DefaultModels()
	}
	if exceptions == nil {
		exceptions = DefaultExceptions()
	}
	return &Codec{models: models, exceptions: exceptions}
}

// EncodeRequest builds {method, args} with every argument encoded.
func (c *Codec) EncodeRequest(method string, args ...interface{}) (map[string]interface{}, error) {
	if method == "" {
		return nil, quartz.InvalidArgument("request without method")
	}
	encoded := make([]interface{}, len(args))
	for i, a := range args {
		v, err := c.EncodeValue(a)
		if err != nil {
			return nil, err
		}
		encoded[i] = v
	}
	return map[string]interface{}{"method": method, "args": encoded}, nil
}

// DecodeRequest reverses EncodeRequest. Arguments are decoded as nested
// values, so none of them may be an exception.
func (c *Codec) DecodeRequest(v interface{}) (*Request, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, quartz.InvalidArgument("request must be an object, got %T", v)
	}
	method, _ := m["method"].(string)
	if method == "" {
		return nil, quartz.InvalidArgument("request without method")
	}
	raw, ok := m["args"].([]interface{})
	if !ok && m["args"] != nil {
		return nil, quartz.InvalidArgument("request args must be a list, got %T", m["args"])
	}
	req := &Request{Method: method, Args: make([]interface{}, len(raw))}
	for i, a := range raw {
		d, err := c.decode(a)
		if err != nil {
			return nil, err
		}
		req.Args[i] = d
	}
	return req, nil
}

// EncodeValue converts v to its wire shape. Scalars pass through, models
// become {__values__}, errors {__exception__} and times {__datetime__}.
// Slices and string-keyed maps are encoded element-wise. Any other type fails
// with quartz.ErrInvalidArgument.
func (c *Codec) EncodeValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, bool, json.Number:
		return x, nil
	case time.Time:
		return encodeTime(x), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return encodeTime(*x), nil
	case time.Duration:
		return int64(x), nil
	case quartz.Model:
		if isNilPointer(x) {
			return nil, nil
		}
		fields, err := c.encodeMap(x.Values())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{TagValues: fields}, nil
	case error:
		return map[string]interface{}{TagException: c.exceptions.Encode(x).Values()}, nil
	case map[string]interface{}:
		return c.encodeMap(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, quartz.InvalidArgument("cannot encode %v", f)
		}
		return f, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]interface{}, rv.Len())
		for i := range out {
			e, err := c.EncodeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, quartz.InvalidArgument("cannot encode map keyed by %s", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			e, err := c.EncodeValue(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = e
		}
		return out, nil
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Elem().Kind() != reflect.Struct {
			return c.EncodeValue(rv.Elem().Interface())
		}
	}
	return nil, quartz.InvalidArgument("cannot encode value of type %T", v)
}

func (c *Codec) encodeMap(m map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		e, err := c.EncodeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}

// DecodeValue reverses EncodeValue. A top-level exception decodes to an
// *Exception value; an exception nested in a list, map or model fails with
// quartz.ErrInvalidArgument.
func (c *Codec) DecodeValue(v interface{}) (interface{}, error) {
	if m, ok := v.(map[string]interface{}); ok {
		if raw, ok := m[TagException]; ok {
			payload, ok := raw.(map[string]interface{})
			if !ok {
				return nil, quartz.InvalidArgument("malformed exception payload %T", raw)
			}
			return c.exceptions.Decode(payload), nil
		}
	}
	return c.decode(v)
}

func (c *Codec) decode(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, quartz.InvalidArgument("malformed number %q", x.String())
		}
		return f, nil
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			d, err := c.decode(e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case map[string]interface{}:
		if _, ok := x[TagException]; ok {
			return nil, quartz.InvalidArgument("exception nested inside a value")
		}
		if raw, ok := x[TagDatetime]; ok {
			return decodeTime(raw)
		}
		if raw, ok := x[TagValues]; ok {
			fields, ok := raw.(map[string]interface{})
			if !ok {
				return nil, quartz.InvalidArgument("malformed model payload %T", raw)
			}
			decoded, err := c.decodeMap(fields)
			if err != nil {
				return nil, err
			}
			return c.models.Decode(decoded)
		}
		return c.decodeMap(x)
	}
	return v, nil
}

func (c *Codec) decodeMap(m map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		d, err := c.decode(v)
		if err != nil {
			return nil, err
		}
		out[k] = d
	}
	return out, nil
}

func encodeTime(t time.Time) map[string]interface{} {
	return map[string]interface{}{TagDatetime: map[string]interface{}{
		"iso":      t.Format(time.RFC3339Nano),
		"unix":     float64(t.UnixNano()) / float64(time.Second),
		"timezone": t.Location().String(),
	}}
}

// decodeTime parses the ISO form and moves it into the named zone. An unknown
// zone keeps the offset carried by the ISO string.
func decodeTime(raw interface{}) (time.Time, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return time.Time{}, quartz.InvalidArgument("malformed datetime payload %T", raw)
	}
	iso, _ := m["iso"].(string)
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return time.Time{}, quartz.InvalidArgument("malformed datetime %q: %v", iso, err)
	}
	if tz, _ := m["timezone"].(string); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			t = t.In(loc)
		}
	}
	return t, nil
}

func isNilPointer(v interface{}) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

// Marshal encodes a wire value as JSON.
func Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, quartz.InvalidArgument("marshal: %v", err)
	}
	return data, nil
}

// Unmarshal decodes JSON keeping numbers as json.Number, so integers survive
// the trip without becoming floats.
func Unmarshal(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, quartz.InvalidArgument("unmarshal: %v", err)
	}
	return v, nil
}

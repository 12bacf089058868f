// encoder.go
package querycache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// defaultKeyEncoder implements KeyEncoder using reflection-based
// serialization. Map keys are sorted and struct fields are walked in
// declaration order, so logically identical requests always produce identical
// bytes regardless of iteration order.
type defaultKeyEncoder struct{}

// NewDefaultKeyEncoder creates a new instance of the default key encoder.
func NewDefaultKeyEncoder() KeyEncoder {
	return &defaultKeyEncoder{}
}

// Encode serializes the request value into canonical bytes.
func (e *defaultKeyEncoder) Encode(request any) ([]byte, error) {
	s, err := e.encodeValue(request)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (e *defaultKeyEncoder) encodeValue(v any) (string, error) {
	if v == nil {
		return "nil", nil
	}

	if t, ok := v.(time.Time); ok {
		return "time:" + strconv.FormatInt(t.UnixNano(), 10), nil
	}

	rv := reflect.ValueOf(v)
	rt := reflect.TypeOf(v)

	switch rt.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return "nil", nil
		}
		return e.encodeValue(rv.Elem().Interface())

	case reflect.Interface:
		if rv.IsNil() {
			return "nil", nil
		}
		return e.encodeValue(rv.Elem().Interface())

	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil", nil
		}
		return e.encodeSequence("slice", rv)

	case reflect.Array:
		return e.encodeSequence("array", rv)

	case reflect.Map:
		if rv.IsNil() {
			return "map:nil", nil
		}
		return e.encodeMap(rv)

	case reflect.Struct:
		return e.encodeStruct(rv, rt)

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		// Addresses are not stable across runs and cannot form a durable key.
		return "", fmt.Errorf("%w: cannot encode %s as cache key", ErrInvalidInput, rt.Kind())

	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return fmt.Sprintf("%v", v), nil

	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode %s value: %w", rt.String(), err)
		}
		return "json:" + string(data), nil
	}
}

func (e *defaultKeyEncoder) encodeSequence(label string, rv reflect.Value) (string, error) {
	length := rv.Len()
	parts := make([]string, length)

	for i := 0; i < length; i++ {
		part, err := e.encodeValue(rv.Index(i).Interface())
		if err != nil {
			return "", err
		}
		parts[i] = part
	}

	return fmt.Sprintf("%s[%d]:{%s}", label, length, strings.Join(parts, ",")), nil
}

// encodeMap serializes map entries sorted by encoded key for determinism.
func (e *defaultKeyEncoder) encodeMap(rv reflect.Value) (string, error) {
	keys := rv.MapKeys()
	pairs := make([]string, 0, len(keys))

	for _, k := range keys {
		keyStr, err := e.encodeValue(k.Interface())
		if err != nil {
			return "", err
		}
		valStr, err := e.encodeValue(rv.MapIndex(k).Interface())
		if err != nil {
			return "", err
		}
		pairs = append(pairs, keyStr+"="+valStr)
	}
	sort.Strings(pairs)

	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ",")), nil
}

func (e *defaultKeyEncoder) encodeStruct(rv reflect.Value, rt reflect.Type) (string, error) {
	numFields := rv.NumField()
	parts := make([]string, 0, numFields)

	for i := 0; i < numFields; i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}

		fieldValue := rv.Field(i)
		if !fieldValue.CanInterface() {
			continue
		}

		encoded, err := e.encodeValue(fieldValue.Interface())
		if err != nil {
			return "", err
		}
		parts = append(parts, field.Name+":"+encoded)
	}

	return fmt.Sprintf("struct:{%s}", strings.Join(parts, ",")), nil
}

// cacheKey derives the in-process coordination key for a (client, query)
// pair. Collisions are negligible at 64 bits for the population windows
// involved; the store itself keys on the full (clientID, searchParams) pair.
func cacheKey(clientID string, searchParams []byte) string {
	d := xxhash.New()
	_, _ = d.WriteString(clientID)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(searchParams)
	return strconv.FormatUint(d.Sum64(), 16)
}

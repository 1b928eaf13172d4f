package materializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// normalize converts an arbitrary Go value into the decoded-JSON shape the
// materializer walks: map[string]any, []any, string, json.Number, bool, nil.
// Values that cannot be represented as JSON fail with ErrMalformedInput.
func normalize(docID, path string, v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, json.Number:
		return val, nil

	case float64:
		return floatNumber(docID, path, val)
	case float32:
		return floatNumber(docID, path, float64(val))

	case int:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int8:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int16:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(val), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(val, 10)), nil
	case uint:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint8:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint16:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint32:
		return json.Number(strconv.FormatUint(uint64(val), 10)), nil
	case uint64:
		return json.Number(strconv.FormatUint(val, 10)), nil

	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			n, err := normalize(docID, path+"."+k, child)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil

	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			n, err := normalize(docID, fmt.Sprintf("%s[%d]", path, i), child)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil

	default:
		// Structs, typed maps and slices: round-trip through encoding/json.
		data, err := json.Marshal(val)
		if err != nil {
			return nil, malformed(docID, path, "value of type %T is not JSON-compatible: %w", val, err)
		}
		decoded, err := decodeJSON(data)
		if err != nil {
			return nil, malformed(docID, path, "re-decoding %T: %w", val, err)
		}
		return decoded, nil
	}
}

func floatNumber(docID, path string, f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, malformed(docID, path, "number %v is not representable in JSON", f)
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

// decodeJSON decodes exactly one JSON value, keeping numbers as json.Number.
func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after top-level value at offset %d", dec.InputOffset())
	}
	return v, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, json.Number:
		return true
	default:
		return false
	}
}

// propertyValue converts a decoded scalar into the value stored on a node.
// Integral numbers become int64, other numbers float64. Integers outside the
// int64 range keep their exact decimal text.
func propertyValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if isIntegerLiteral(n) {
		return n.String()
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// isIntegerLiteral reports whether n was written without fraction or exponent.
func isIntegerLiteral(n json.Number) bool {
	return n != "" && !strings.ContainsAny(string(n), ".eE")
}

// canonicalText renders a scalar as the stable text used in identity keys.
func canonicalText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case json.Number:
		return canonicalText(propertyValue(val))
	case []any:
		data, _ := json.Marshal(val)
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}

// scalarList turns decoded scalars into a homogeneous property list.
// Integers mixed with floats widen to float64; any other mix is stringified.
func scalarList(values []any) []any {
	out := make([]any, len(values))
	kinds := make(map[string]bool, 2)
	for i, v := range values {
		pv := propertyValue(v)
		out[i] = pv
		kinds[fmt.Sprintf("%T", pv)] = true
	}

	if len(kinds) <= 1 {
		return out
	}

	numeric := len(kinds) == 2 && kinds["int64"] && kinds["float64"]
	for i, v := range out {
		if numeric {
			if iv, ok := v.(int64); ok {
				out[i] = float64(iv)
			}
			continue
		}
		out[i] = canonicalText(v)
	}
	return out
}

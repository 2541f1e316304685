package types

import (
	"encoding/json"
	"strings"
)

// RawApObj is a tolerant view over an activity document. Remote servers
// disagree about which fields are strings, arrays or nested objects, so
// handlers read through dotted paths instead of a rigid schema.
type RawApObj struct {
	data map[string]any
}

func LoadAsRawApObj(jsonBytes []byte) (*RawApObj, error) {
	var data map[string]any
	err := json.Unmarshal(jsonBytes, &data)
	return &RawApObj{data}, err
}

func RawApObjFromMap(data map[string]any) *RawApObj {
	return &RawApObj{data}
}

func (r *RawApObj) GetData() map[string]any {
	return r.data
}

func (r *RawApObj) get(key string) (any, bool) {
	keys := strings.Split(key, ".")
	var value any = r.data
	for _, k := range keys {
		if value == nil {
			return nil, false
		}
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func (r *RawApObj) GetRaw(key string) (*RawApObj, bool) {
	value, ok := r.get(key)
	if !ok {
		return nil, false
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return &RawApObj{m}, true
}

func (r *RawApObj) GetString(key string) (string, bool) {
	value, ok := r.get(key)
	if !ok {
		return "", false
	}

	if arr, ok := value.([]any); ok {
		if len(arr) == 0 {
			return "", false
		}
		value = arr[0]
	}

	str, ok := value.(string)
	return str, ok
}

func (r *RawApObj) MustGetString(key string) string {
	str, ok := r.GetString(key)
	if !ok {
		return ""
	}
	return str
}

func (r *RawApObj) GetBool(key string) (bool, bool) {
	value, ok := r.get(key)
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

func (r *RawApObj) MustGetBool(key string) bool {
	b, _ := r.GetBool(key)
	return b
}

// GetStringSlice reads a field that may be a bare string or an array of
// strings, normalizing to a slice.
func (r *RawApObj) GetStringSlice(key string) ([]string, bool) {
	value, ok := r.get(key)
	if !ok {
		return nil, false
	}
	switch v := value.(type) {
	case string:
		return []string{v}, true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

func (r *RawApObj) MustGetStringSlice(key string) []string {
	s, _ := r.GetStringSlice(key)
	return s
}

// GetRawSlice reads a field that may be a bare object or an array of
// objects, normalizing to a slice.
func (r *RawApObj) GetRawSlice(key string) ([]*RawApObj, bool) {
	value, ok := r.get(key)
	if !ok {
		return nil, false
	}
	switch v := value.(type) {
	case map[string]any:
		return []*RawApObj{{v}}, true
	case []any:
		out := make([]*RawApObj, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, &RawApObj{m})
			}
		}
		return out, true
	}
	return nil, false
}

func (r *RawApObj) MustGetRawSlice(key string) []*RawApObj {
	s, _ := r.GetRawSlice(key)
	return s
}

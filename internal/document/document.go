// Package document implements the JSON context document a run carries from
// step to step.
//
// A Document is treated as a value: every mutating call works on a deep copy
// and swaps it in only when the whole change succeeded, so a failed Set or
// Merge never leaves a half-applied document behind and documents returned
// by Clone never alias each other.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Document is a JSON object addressed with dot paths ("customer.address.city",
// "items.0.sku").
type Document struct {
	root map[string]any
}

// New returns an empty document.
func New() *Document {
	return &Document{root: map[string]any{}}
}

// Parse decodes raw JSON. Empty input and "null" produce an empty document;
// anything other than an object is rejected.
func Parse(raw []byte) (*Document, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return New(), nil
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("context document must be a JSON object: %w", err)
	}
	if root == nil {
		root = map[string]any{}
	}
	return &Document{root: root}, nil
}

// FromMap builds a document from arbitrary Go values, normalising them to
// their JSON representation.
func FromMap(m map[string]any) (*Document, error) {
	if m == nil {
		return New(), nil
	}
	v, err := normalize(m)
	if err != nil {
		return nil, err
	}
	return &Document{root: v.(map[string]any)}, nil
}

// Get returns the value at path. The empty path returns the whole object.
func (d *Document) Get(path string) (any, bool) {
	if path == "" {
		return deepCopy(d.root), true
	}
	var cur any = d.root
	for _, seg := range split(path) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return deepCopy(cur), true
}

// Set writes value at path, creating intermediate objects as needed.
// A numeric segment addresses an existing array element; it never grows arrays.
func (d *Document) Set(path string, value any) error {
	if path == "" {
		return fmt.Errorf("set: empty path")
	}
	v, err := normalize(value)
	if err != nil {
		return err
	}
	next := deepCopy(d.root).(map[string]any)
	if err := setIn(next, split(path), v); err != nil {
		return fmt.Errorf("set %q: %w", path, err)
	}
	d.root = next
	return nil
}

// Merge applies patch: objects merge key by key recursively, while arrays and
// scalars in the patch replace whatever was there.
func (d *Document) Merge(patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	p, err := normalize(patch)
	if err != nil {
		return err
	}
	d.root = mergeMaps(deepCopy(d.root).(map[string]any), p.(map[string]any))
	return nil
}

// MergeDocument merges another document into d.
func (d *Document) MergeDocument(other *Document) {
	if other == nil || len(other.root) == 0 {
		return
	}
	d.root = mergeMaps(deepCopy(d.root).(map[string]any), deepCopy(other.root).(map[string]any))
}

// Clone returns an independent copy.
func (d *Document) Clone() *Document {
	return &Document{root: deepCopy(d.root).(map[string]any)}
}

// Map returns a deep copy of the underlying object.
func (d *Document) Map() map[string]any {
	return deepCopy(d.root).(map[string]any)
}

// Bytes returns the canonical JSON encoding.
func (d *Document) Bytes() []byte {
	// root only ever holds values produced by encoding/json.
	b, _ := json.Marshal(d.root)
	return b
}

func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.root)
}

func (d *Document) UnmarshalJSON(raw []byte) error {
	p, err := Parse(raw)
	if err != nil {
		return err
	}
	d.root = p.root
	return nil
}

func split(path string) []string {
	return strings.Split(path, ".")
}

func setIn(node map[string]any, segs []string, value any) error {
	key := segs[0]
	if len(segs) == 1 {
		node[key] = value
		return nil
	}
	switch child := node[key].(type) {
	case map[string]any:
		return setIn(child, segs[1:], value)
	case []any:
		return setInArray(child, segs[1:], value)
	case nil:
		m := map[string]any{}
		node[key] = m
		return setIn(m, segs[1:], value)
	default:
		return fmt.Errorf("segment %q is a %T, not an object", key, child)
	}
}

func setInArray(arr []any, segs []string, value any) error {
	i, err := strconv.Atoi(segs[0])
	if err != nil || i < 0 || i >= len(arr) {
		return fmt.Errorf("index %q out of range for array of %d", segs[0], len(arr))
	}
	if len(segs) == 1 {
		arr[i] = value
		return nil
	}
	switch child := arr[i].(type) {
	case map[string]any:
		return setIn(child, segs[1:], value)
	case []any:
		return setInArray(child, segs[1:], value)
	default:
		return fmt.Errorf("element %d is a %T, not an object", i, child)
	}
}

// mergeMaps merges src into dst in place and returns dst. Both must be owned by the caller.
func mergeMaps(dst, src map[string]any) map[string]any {
	for k, sv := range src {
		sm, srcIsMap := sv.(map[string]any)
		dm, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[k] = mergeMaps(dm, sm)
			continue
		}
		dst[k] = sv
	}
	return dst
}

// normalize round-trips v through encoding/json so the document only ever
// holds map[string]any, []any, string, float64, bool and nil.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serialisable: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, c := range val {
			out[k] = deepCopy(c)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, c := range val {
			out[i] = deepCopy(c)
		}
		return out
	default:
		return v
	}
}

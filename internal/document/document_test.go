package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) *Document {
	t.Helper()
	d, err := Parse([]byte(s))
	require.NoError(t, err)
	return d
}

func TestMerge_NestedObjectsMergeRecursively(t *testing.T) {
	d := mustParse(t, `{"a":{"y":2}}`)
	require.NoError(t, d.Merge(map[string]any{"a": map[string]any{"x": 1}}))
	assert.JSONEq(t, `{"a":{"x":1,"y":2}}`, string(d.Bytes()))
}

func TestMerge_ArraysReplacedWholesale(t *testing.T) {
	d := mustParse(t, `{"a":[9]}`)
	require.NoError(t, d.Merge(map[string]any{"a": []any{1, 2}}))
	assert.JSONEq(t, `{"a":[1,2]}`, string(d.Bytes()))
}

func TestMerge_ScalarOverwritesObjectAndBack(t *testing.T) {
	d := mustParse(t, `{"a":{"b":1},"keep":true}`)
	require.NoError(t, d.Merge(map[string]any{"a": "flat"}))
	assert.JSONEq(t, `{"a":"flat","keep":true}`, string(d.Bytes()))

	require.NoError(t, d.Merge(map[string]any{"a": map[string]any{"c": 3}}))
	assert.JSONEq(t, `{"a":{"c":3},"keep":true}`, string(d.Bytes()))
}

func TestMerge_FailureLeavesDocumentUnchanged(t *testing.T) {
	d := mustParse(t, `{"a":1}`)
	err := d.Merge(map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.JSONEq(t, `{"a":1}`, string(d.Bytes()))
}

func TestMergeDocument(t *testing.T) {
	d := mustParse(t, `{"a":{"x":1}}`)
	d.MergeDocument(mustParse(t, `{"a":{"y":2},"b":[1]}`))
	assert.JSONEq(t, `{"a":{"x":1,"y":2},"b":[1]}`, string(d.Bytes()))
	d.MergeDocument(nil)
	assert.JSONEq(t, `{"a":{"x":1,"y":2},"b":[1]}`, string(d.Bytes()))
}

func TestGet(t *testing.T) {
	d := mustParse(t, `{"customer":{"name":"ada","orders":[{"id":"o1"},{"id":"o2"}]},"n":3}`)

	v, ok := d.Get("customer.name")
	require.True(t, ok)
	assert.Equal(t, "ada", v)

	v, ok = d.Get("customer.orders.1.id")
	require.True(t, ok)
	assert.Equal(t, "o2", v)

	v, ok = d.Get("n")
	require.True(t, ok)
	assert.Equal(t, float64(3), v)

	_, ok = d.Get("customer.orders.7.id")
	assert.False(t, ok)
	_, ok = d.Get("n.deeper")
	assert.False(t, ok)
	_, ok = d.Get("missing")
	assert.False(t, ok)
}

func TestGet_ReturnsCopy(t *testing.T) {
	d := mustParse(t, `{"a":{"b":1}}`)
	v, _ := d.Get("a")
	v.(map[string]any)["b"] = 99
	got, _ := d.Get("a.b")
	assert.Equal(t, float64(1), got)
}

func TestSet_CreatesIntermediateObjects(t *testing.T) {
	d := New()
	require.NoError(t, d.Set("apis.charge.response", map[string]any{"ok": true}))
	require.NoError(t, d.Set("apis.charge.status_code", 201))
	assert.JSONEq(t, `{"apis":{"charge":{"response":{"ok":true},"status_code":201}}}`, string(d.Bytes()))
}

func TestSet_ArrayElement(t *testing.T) {
	d := mustParse(t, `{"items":[{"q":1},{"q":2}]}`)
	require.NoError(t, d.Set("items.1.q", 5))
	assert.JSONEq(t, `{"items":[{"q":1},{"q":5}]}`, string(d.Bytes()))

	err := d.Set("items.4.q", 1)
	require.Error(t, err)
	assert.JSONEq(t, `{"items":[{"q":1},{"q":5}]}`, string(d.Bytes()))
}

func TestSet_ThroughScalarFailsAtomically(t *testing.T) {
	d := mustParse(t, `{"a":{"b":"text"}}`)
	err := d.Set("a.b.c", 1)
	require.Error(t, err)
	assert.JSONEq(t, `{"a":{"b":"text"}}`, string(d.Bytes()))

	assert.Error(t, d.Set("", 1))
}

func TestClone_IsIndependent(t *testing.T) {
	d := mustParse(t, `{"a":{"b":[1,2]}}`)
	c := d.Clone()
	require.NoError(t, c.Set("a.b", []any{3}))
	assert.JSONEq(t, `{"a":{"b":[1,2]}}`, string(d.Bytes()))
	assert.JSONEq(t, `{"a":{"b":[3]}}`, string(c.Bytes()))
}

func TestParse(t *testing.T) {
	d, err := Parse(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(d.Bytes()))

	d, err = Parse([]byte(" null "))
	require.NoError(t, err)
	assert.Empty(t, d.Map())

	_, err = Parse([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestFromMap_NormalisesGoValues(t *testing.T) {
	type addr struct {
		City string `json:"city"`
	}
	d, err := FromMap(map[string]any{"n": 7, "addr": addr{City: "Lima"}})
	require.NoError(t, err)

	v, _ := d.Get("n")
	assert.Equal(t, float64(7), v)
	v, _ = d.Get("addr.city")
	assert.Equal(t, "Lima", v)
}

func TestJSONRoundTrip(t *testing.T) {
	var holder struct {
		Ctx *Document `json:"ctx"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"ctx":{"a":{"b":true}}}`), &holder))
	v, ok := holder.Ctx.Get("a.b")
	require.True(t, ok)
	assert.Equal(t, true, v)

	out, err := json.Marshal(holder)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ctx":{"a":{"b":true}}}`, string(out))
}

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneIsDeep(t *testing.T) {
	src := map[string]any{
		"user":  map[string]any{"name": "ada"},
		"items": []any{map[string]any{"id": 1}},
	}
	out := Clone(src)
	out["user"].(map[string]any)["name"] = "grace"
	out["items"].([]any)[0].(map[string]any)["id"] = 2

	assert.Equal(t, "ada", src["user"].(map[string]any)["name"])
	assert.Equal(t, 1, src["items"].([]any)[0].(map[string]any)["id"])
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		dst  map[string]any
		src  map[string]any
		want map[string]any
	}{
		{
			name: "adds keys",
			dst:  map[string]any{"b": 0},
			src:  map[string]any{"a": 1},
			want: map[string]any{"a": 1, "b": 0},
		},
		{
			name: "nested maps merge",
			dst:  map[string]any{"user": map[string]any{"id": 1}},
			src:  map[string]any{"user": map[string]any{"name": "ada"}},
			want: map[string]any{"user": map[string]any{"id": 1, "name": "ada"}},
		},
		{
			name: "arrays are replaced",
			dst:  map[string]any{"list": []any{1, 2, 3}},
			src:  map[string]any{"list": []any{9}},
			want: map[string]any{"list": []any{9}},
		},
		{
			name: "scalar replaces map",
			dst:  map[string]any{"a": map[string]any{"x": 1}},
			src:  map[string]any{"a": 2},
			want: map[string]any{"a": 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := Clone(tt.dst)
			got := Merge(tt.dst, tt.src)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, dst, tt.dst, "dst must not change")
		})
	}
}

func TestMergeAllOrder(t *testing.T) {
	got := MergeAll(
		map[string]any{"a": 1, "shared": "first"},
		nil,
		map[string]any{"c": 1, "shared": "second"},
	)
	assert.Equal(t, map[string]any{"a": 1, "c": 1, "shared": "second"}, got)
}

func TestGetSetPaths(t *testing.T) {
	s := map[string]any{}
	Set(s, "a.b.c", 1)
	Set(s, "a.d", "x")

	v, ok := Get(s, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, Has(s, "a.d"))
	assert.False(t, Has(s, "a.z"))

	s["items"] = []any{map[string]any{"id": 1}, map[string]any{"id": 2}}
	v, ok = Get(s, "items.1.id")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	Set(s, "items.0.title", "x")
	assert.Equal(t, "x", s["items"].([]any)[0].(map[string]any)["title"])

	_, ok = Get(s, "items.5.id")
	assert.False(t, ok)
}

func TestPick(t *testing.T) {
	s := map[string]any{
		"a":    1,
		"b":    map[string]any{"c": 2, "d": 3},
		"skip": true,
	}
	got := Pick(s, "a", "b.c", "missing")
	assert.Equal(t, map[string]any{"a": 1, "b": map[string]any{"c": 2}}, got)
}

func TestOnlyKeys(t *testing.T) {
	assert.True(t, OnlyKeys(map[string]any{"element": 1, "index": 0}, "element", "index"))
	assert.False(t, OnlyKeys(map[string]any{"element": 1, "other": 0}, "element", "index"))
	assert.False(t, OnlyKeys(map[string]any{}, "element", "index"))
}

func TestFieldKey(t *testing.T) {
	s := map[string]any{"a": 0, "user": map[string]any{"id": "u1"}}
	assert.Equal(t, "a:0:user.id:u1", FieldKey(s, "a", "b", "user.id"))
	assert.Equal(t, "", FieldKey(s, "missing"))
}

func TestStringifyIsStable(t *testing.T) {
	a := Stringify(map[string]any{"b": 1, "a": 2})
	b := Stringify(map[string]any{"a": 2, "b": 1})
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":2,"b":1}`, a)
}

package schema

import (
	"encoding/json"
	"testing"

	"atlas/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLookup map[string]map[string]any

func (s staticLookup) LookupContainer(prefix string) (map[string]any, bool) {
	f, ok := s[prefix]
	return f, ok
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func dig(t *testing.T, v any, path ...string) map[string]any {
	t.Helper()
	cur, ok := v.(map[string]any)
	require.True(t, ok)
	for _, p := range path {
		cur, ok = cur[p].(map[string]any)
		require.Truef(t, ok, "missing %q", p)
	}
	return cur
}

func TestCompileEndToEndExperimentSchema(t *testing.T) {
	features := []Feature{
		{ID: "experiments.name", Fragment: str("Experiment name")},
		{ID: "experiments.conditions.name", Fragment: str("Condition name")},
		{ID: "experiments.conditions.type", Fragment: map[string]any{
			"type": "string", "description": "Condition type", "enum": []any{"treatment", "control"},
		}},
	}
	tree, err := Compile(features, nil)
	require.NoError(t, err)
	s := tree.JSONSchema()

	assert.Equal(t, []any{"experiments"}, s["required"])
	exp := dig(t, s, "properties", "experiments")
	assert.Equal(t, "array", exp["type"])
	assert.Equal(t, "Array of experiments objects", exp["description"])
	assert.Equal(t, []any{"name", "conditions"}, dig(t, exp, "items")["required"])

	cond := dig(t, exp, "items", "properties", "conditions")
	assert.Equal(t, "array", cond["type"])
	assert.Equal(t, []any{"name", "type"}, dig(t, cond, "items")["required"])
	assert.Equal(t, []any{"treatment", "control"}, dig(t, cond, "items", "properties", "type")["enum"])
}

func TestCompileSharesContainers(t *testing.T) {
	tree, err := Compile([]Feature{{ID: "a.b.x", Fragment: str("x")}, {ID: "a.b.y", Fragment: str("y")}}, nil)
	require.NoError(t, err)

	require.Len(t, tree.Root.Children, 1)
	a := tree.Root.Children[0].Node.(*Container)
	require.Len(t, a.Children, 1)
	b := a.Children[0].Node.(*Container)
	assert.Equal(t, []string{"x", "y"}, b.Required)
	assert.Len(t, b.Children, 2)
}

func TestCompileSortsDescendingInput(t *testing.T) {
	asc := []Feature{
		{ID: "a", Fragment: str("root scalar")},
		{ID: "b.c", Fragment: str("c")},
		{ID: "b.d.e", Fragment: str("e")},
	}
	desc := []Feature{asc[2], asc[1], asc[0]}

	t1, err := Compile(asc, nil)
	require.NoError(t, err)
	t2, err := Compile(desc, nil)
	require.NoError(t, err)

	b1, _ := json.Marshal(t1)
	b2, _ := json.Marshal(t2)
	assert.JSONEq(t, string(b1), string(b2))
	assert.Equal(t, "a", desc[2].ID, "input must not be reordered in place")
}

func TestCompileRootScalar(t *testing.T) {
	tree, err := Compile([]Feature{{ID: "title", Fragment: str("Paper title")}}, nil)
	require.NoError(t, err)
	s := tree.JSONSchema()
	assert.Equal(t, "string", dig(t, s, "properties", "title")["type"])
	assert.Equal(t, []string{"title"}, tree.RootRequired())
}

func TestCloseIsIdempotent(t *testing.T) {
	tree, err := Compile([]Feature{
		{ID: "a.b.x", Fragment: str("x")},
		{ID: "a.y", Fragment: str("y")},
		{ID: "z", Fragment: str("z")},
	}, nil)
	require.NoError(t, err)

	once, err := json.Marshal(tree)
	require.NoError(t, err)
	twice, err := json.Marshal(Close(Close(tree)))
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
	assert.Equal(t, tree, Close(tree))
}

func TestCloseRebuildsRequiredFromChildren(t *testing.T) {
	tree, err := build([]Feature{{ID: "a.x", Fragment: str("x")}, {ID: "a.y", Fragment: str("y")}}, nil)
	require.NoError(t, err)
	a := tree.Root.Children[0].Node.(*Container)
	a.Required = []string{"y", "y", "ghost"}

	closed := Close(tree)
	assert.Equal(t, []string{"y", "x"}, closed.Root.Children[0].Node.(*Container).Required)
	assert.Equal(t, []string{"y", "y", "ghost"}, a.Required, "Close must not mutate its input")
}

func collectObjects(v any, out *[]map[string]any) {
	switch x := v.(type) {
	case map[string]any:
		if x["type"] == "object" {
			*out = append(*out, x)
		}
		for _, val := range x {
			collectObjects(val, out)
		}
	case []any:
		for _, val := range x {
			collectObjects(val, out)
		}
	}
}

func TestEveryObjectIsClosed(t *testing.T) {
	nestedLeaf := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"unit": map[string]any{"type": "object", "properties": map[string]any{}},
		},
		"anyOf": []any{map[string]any{"type": "object"}},
	}
	tree, err := Compile([]Feature{
		{ID: "a.b.c.d", Fragment: str("deep")},
		{ID: "a.b.c.meta", Fragment: nestedLeaf},
	}, nil)
	require.NoError(t, err)

	var objects []map[string]any
	collectObjects(tree.JSONSchema(), &objects)
	require.GreaterOrEqual(t, len(objects), 7)
	for _, o := range objects {
		assert.Equal(t, false, o["additionalProperties"])
	}
	_, touched := nestedLeaf["additionalProperties"]
	assert.False(t, touched)
}

func TestRegisteredContainerIsUsed(t *testing.T) {
	lookup := staticLookup{
		"experiments": {
			"type": "array", "description": "Experiments reported in the paper", "minItems": 1,
			"items": map[string]any{"type": "object", "properties": map[string]any{}, "required": []any{}},
		},
	}
	tree, err := Compile([]Feature{{ID: "experiments.name", Fragment: str("n")}}, lookup)
	require.NoError(t, err)
	exp := dig(t, tree.JSONSchema(), "properties", "experiments")
	assert.Equal(t, "Experiments reported in the paper", exp["description"])
	assert.Equal(t, 1, exp["minItems"])
	assert.Empty(t, tree.Warnings)
}

func TestMalformedContainerFallsBack(t *testing.T) {
	lookup := staticLookup{
		"experiments": {"type": "object", "description": "wrong"},
		"experiments.conditions": {"type": "array", "items": "nope"},
	}
	tree, err := Compile([]Feature{{ID: "experiments.conditions.name", Fragment: str("n")}}, lookup)
	require.NoError(t, err)
	exp := dig(t, tree.JSONSchema(), "properties", "experiments")
	assert.Equal(t, "Array of experiments objects", exp["description"])
	assert.Len(t, tree.Warnings, 2)
}

func TestCompileRejectsBadPaths(t *testing.T) {
	_, err := Compile(nil, nil)
	assert.True(t, apperr.IsValidation(err))

	_, err = Compile([]Feature{{ID: "a..b", Fragment: str("x")}}, nil)
	assert.True(t, apperr.IsValidation(err))

	_, err = Compile([]Feature{{ID: "a", Fragment: str("leaf")}, {ID: "a.b", Fragment: str("child")}}, nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestFunctionAndResponseFormat(t *testing.T) {
	tree, err := Compile([]Feature{{ID: "title", Fragment: str("t")}}, nil)
	require.NoError(t, err)

	fn := tree.Function("extract_features", "Extract features")
	assert.Equal(t, true, fn["strict"])
	assert.Equal(t, "object", dig(t, fn, "parameters")["type"])

	rf := tree.ResponseFormat("extract_features")
	assert.Equal(t, "json_schema", rf["type"])
	assert.Equal(t, "extract_features", dig(t, rf, "json_schema")["name"])
}

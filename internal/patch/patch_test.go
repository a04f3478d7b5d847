package patch

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, op, target, path string, value any) Entry {
	t.Helper()
	e, err := Parse(op, target, path, value)
	require.NoError(t, err)
	return e
}

func TestParseTarget(t *testing.T) {
	tgt, err := ParseTarget("snapshot")
	require.NoError(t, err)
	assert.True(t, tgt.IsSnapshot())

	id := uuid.New()
	tgt, err = ParseTarget("npc:" + id.String())
	require.NoError(t, err)
	assert.Equal(t, TargetNPC, tgt.Kind)
	assert.Equal(t, id, tgt.EntityID)
	assert.False(t, tgt.IsSnapshot())

	_, err = ParseTarget("monster:" + id.String())
	assert.ErrorIs(t, err, ErrBadTarget)

	_, err = ParseTarget("npc:not-a-uuid")
	assert.ErrorIs(t, err, ErrBadTarget)

	_, err = ParseTarget("")
	assert.ErrorIs(t, err, ErrBadTarget)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse("merge", "snapshot", "a.b", 1)
	assert.ErrorIs(t, err, ErrUnknownOp)

	_, err = Parse("remove", "snapshot", "", nil)
	assert.ErrorIs(t, err, ErrEmptyPath)

	// A path of only dots collapses to nothing.
	_, err = Parse("set", "snapshot", "...", 1)
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestSetCreatesIntermediateObjects(t *testing.T) {
	doc := map[string]any{}
	err := Apply(doc, mustParse(t, "set", "snapshot", "turn_state.active.name", "Mira"))
	require.NoError(t, err)

	turn := doc["turn_state"].(map[string]any)
	active := turn["active"].(map[string]any)
	assert.Equal(t, "Mira", active["name"])
}

func TestSetOverwritesExisting(t *testing.T) {
	doc := map[string]any{"mode": "exploration"}
	require.NoError(t, Apply(doc, mustParse(t, "set", "snapshot", "mode", "combat")))
	assert.Equal(t, "combat", doc["mode"])
}

func TestIncSemantics(t *testing.T) {
	doc := map[string]any{"turn_state": map[string]any{"round": float64(2)}}

	require.NoError(t, Apply(doc, mustParse(t, "inc", "snapshot", "turn_state.round", float64(1))))
	assert.Equal(t, float64(3), doc["turn_state"].(map[string]any)["round"])

	// Non-numeric target.
	doc["label"] = "third"
	err := Apply(doc, mustParse(t, "inc", "snapshot", "label", float64(1)))
	assert.ErrorIs(t, err, ErrNotNumeric)

	// Non-numeric value.
	err = Apply(doc, mustParse(t, "inc", "snapshot", "turn_state.round", "one"))
	assert.ErrorIs(t, err, ErrNotNumeric)

	// Missing target.
	err = Apply(doc, mustParse(t, "inc", "snapshot", "missing", float64(1)))
	assert.ErrorIs(t, err, ErrNotNumeric)
}

func TestPushSemantics(t *testing.T) {
	doc := map[string]any{"initiative": []any{"a"}}

	require.NoError(t, Apply(doc, mustParse(t, "push", "snapshot", "initiative", "b")))
	assert.Equal(t, []any{"a", "b"}, doc["initiative"])

	doc["mode"] = "combat"
	err := Apply(doc, mustParse(t, "push", "snapshot", "mode", "x"))
	assert.ErrorIs(t, err, ErrNotArray)

	err = Apply(doc, mustParse(t, "push", "snapshot", "missing", "x"))
	assert.ErrorIs(t, err, ErrNotArray)
}

func TestRemoveSemantics(t *testing.T) {
	doc := map[string]any{"scene_summary": "old", "nested": map[string]any{"flag": true}}

	require.NoError(t, Apply(doc, mustParse(t, "remove", "snapshot", "scene_summary", nil)))
	_, exists := doc["scene_summary"]
	assert.False(t, exists)

	require.NoError(t, Apply(doc, mustParse(t, "remove", "snapshot", "nested.flag", nil)))
	assert.Empty(t, doc["nested"].(map[string]any))

	// Removing a missing key is a no-op, like deleting from a map.
	require.NoError(t, Apply(doc, mustParse(t, "remove", "snapshot", "ghost", nil)))
}

func TestTraversalThroughNonObjectFails(t *testing.T) {
	doc := map[string]any{"mode": "combat"}
	err := Apply(doc, mustParse(t, "set", "snapshot", "mode.phase", "start"))
	assert.ErrorIs(t, err, ErrNotObject)

	err = Apply(doc, mustParse(t, "inc", "snapshot", "missing.round", float64(1)))
	assert.ErrorIs(t, err, ErrNotObject)
}

func TestDeepCopyIsolatesMutations(t *testing.T) {
	original := map[string]any{
		"turn_state": map[string]any{"round": float64(1)},
		"order":      []any{"a", "b"},
	}
	clone := DeepCopy(original)

	require.NoError(t, Apply(clone, mustParse(t, "set", "snapshot", "turn_state.round", float64(9))))
	require.NoError(t, Apply(clone, mustParse(t, "push", "snapshot", "order", "c")))

	assert.Equal(t, float64(1), original["turn_state"].(map[string]any)["round"])
	assert.Len(t, original["order"], 2)
}

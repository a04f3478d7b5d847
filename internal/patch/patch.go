// Package patch implements the structured state mutations proposed by the
// game master model. A patch is an (op, target, path, value) tuple applied to
// either the campaign snapshot state or to one entity's JSON payload. Type
// preconditions (numeric for inc, array for push) are checked at a single
// dispatch point in Apply.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Op identifies a patch operation.
type Op string

const (
	OpSet    Op = "set"
	OpInc    Op = "inc"
	OpPush   Op = "push"
	OpRemove Op = "remove"
)

// ErrUnknownOp indicates an op outside set/inc/push/remove.
var ErrUnknownOp = errors.New("unknown patch op")

// ErrEmptyPath indicates a remove with no path; the state root cannot be removed.
var ErrEmptyPath = errors.New("patch path must not be empty")

// ErrNotNumeric indicates an inc against a non-numeric target or value.
var ErrNotNumeric = errors.New("inc requires a numeric target and value")

// ErrNotArray indicates a push against a non-array target.
var ErrNotArray = errors.New("push requires an array target")

// ErrNotObject indicates traversal through a value that is not a JSON object.
var ErrNotObject = errors.New("path traverses a non-object value")

// ErrBadTarget indicates a target string that is neither "snapshot" nor a
// typed entity reference.
var ErrBadTarget = errors.New("invalid patch target")

// TargetKind discriminates what a patch mutates.
type TargetKind string

const (
	TargetSnapshot  TargetKind = "snapshot"
	TargetCharacter TargetKind = "character"
	TargetNPC       TargetKind = "npc"
	TargetLocation  TargetKind = "location"
)

// Target is the parsed form of a patch target string.
type Target struct {
	Kind     TargetKind
	EntityID uuid.UUID // set for entity targets only
}

// IsSnapshot reports whether the patch mutates the campaign snapshot rather
// than an entity row.
func (t Target) IsSnapshot() bool { return t.Kind == TargetSnapshot }

func (t Target) String() string {
	if t.Kind == TargetSnapshot {
		return string(TargetSnapshot)
	}
	return fmt.Sprintf("%s:%s", t.Kind, t.EntityID)
}

// ParseTarget parses "snapshot" or "<kind>:<uuid>" where kind is one of
// character, npc, location.
func ParseTarget(raw string) (Target, error) {
	if raw == string(TargetSnapshot) {
		return Target{Kind: TargetSnapshot}, nil
	}
	kind, idStr, found := strings.Cut(raw, ":")
	if !found {
		return Target{}, fmt.Errorf("%w: %q", ErrBadTarget, raw)
	}
	switch TargetKind(kind) {
	case TargetCharacter, TargetNPC, TargetLocation:
	default:
		return Target{}, fmt.Errorf("%w: unknown kind %q", ErrBadTarget, kind)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return Target{}, fmt.Errorf("%w: bad entity id %q", ErrBadTarget, idStr)
	}
	return Target{Kind: TargetKind(kind), EntityID: id}, nil
}

// Entry is a single validated patch ready for dispatch.
type Entry struct {
	Op     Op
	Target Target
	Path   []string
	Value  any
}

// PathString reassembles the parsed path for audit payloads.
func (e Entry) PathString() string { return strings.Join(e.Path, ".") }

// Parse validates the raw (op, target, path) triple into an Entry. The value
// is carried as-is; type preconditions are checked against the document at
// apply time.
func Parse(op, target, path string, value any) (Entry, error) {
	parsedOp := Op(op)
	switch parsedOp {
	case OpSet, OpInc, OpPush, OpRemove:
	default:
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
	tgt, err := ParseTarget(target)
	if err != nil {
		return Entry{}, err
	}
	segments := splitPath(path)
	if len(segments) == 0 {
		return Entry{}, ErrEmptyPath
	}
	return Entry{Op: parsedOp, Target: tgt, Path: segments, Value: value}, nil
}

// splitPath breaks a dotted path into segments, dropping empty ones so
// inputs like "a..b" or a trailing dot do not produce blank keys.
func splitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, ".") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// Apply mutates doc in place according to the entry. The target discriminates
// routing only; callers hand Apply the right document (snapshot state or
// entity data) for the entry's target.
func Apply(doc map[string]any, e Entry) error {
	if len(e.Path) == 0 {
		return ErrEmptyPath
	}
	parentPath, leaf := e.Path[:len(e.Path)-1], e.Path[len(e.Path)-1]

	switch e.Op {
	case OpSet:
		parent, err := descend(doc, parentPath, true)
		if err != nil {
			return err
		}
		parent[leaf] = e.Value
		return nil

	case OpInc:
		delta, ok := asNumber(e.Value)
		if !ok {
			return fmt.Errorf("%w: value %v", ErrNotNumeric, e.Value)
		}
		parent, err := descend(doc, parentPath, false)
		if err != nil {
			return err
		}
		current, ok := asNumber(parent[leaf])
		if !ok {
			return fmt.Errorf("%w: target %s holds %T", ErrNotNumeric, strings.Join(e.Path, "."), parent[leaf])
		}
		parent[leaf] = current + delta
		return nil

	case OpPush:
		parent, err := descend(doc, parentPath, false)
		if err != nil {
			return err
		}
		arr, ok := parent[leaf].([]any)
		if !ok {
			return fmt.Errorf("%w: target %s holds %T", ErrNotArray, strings.Join(e.Path, "."), parent[leaf])
		}
		parent[leaf] = append(arr, e.Value)
		return nil

	case OpRemove:
		parent, err := descend(doc, parentPath, false)
		if err != nil {
			return err
		}
		delete(parent, leaf)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, e.Op)
}

// descend walks the path's parent segments. With create set, missing
// intermediate objects are created (set semantics); otherwise a missing or
// non-object segment is an error.
func descend(doc map[string]any, path []string, create bool) (map[string]any, error) {
	current := doc
	for i, seg := range path {
		next, exists := current[seg]
		if !exists {
			if !create {
				return nil, fmt.Errorf("%w: missing segment %q", ErrNotObject, strings.Join(path[:i+1], "."))
			}
			child := map[string]any{}
			current[seg] = child
			current = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: segment %q holds %T", ErrNotObject, strings.Join(path[:i+1], "."), next)
		}
		current = child
	}
	return current, nil
}

// asNumber accepts the numeric shapes JSON decoding and in-process callers
// produce.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// DeepCopy clones a JSON-shaped document. Used to dry-run snapshot patches
// before the projector mutates the real state.
func DeepCopy(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

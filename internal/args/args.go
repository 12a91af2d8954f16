// Package args models task arguments as a recursive union of scalars,
// ordered sequences, mappings, and dependency handles, and implements
// the traversal operations every other component builds on.
package args

import (
	"fmt"
	"reflect"
	"sort"
)

// TaskID is any value a caller uses to name a task. It must be
// comparable once rendered through KeyOf; tuple-shaped IDs should be
// represented with Tuple.
type TaskID = any

// Value is an args tree: a scalar, a Seq, a Map, or a Dependency.
// Dependency is a leaf even though it is itself a triple.
type Value = any

// Seq is an ordered sequence of argument values (positional args).
type Seq []Value

// Map is a mapping of names to argument values (keyword args).
type Map map[string]Value

// Tuple is a tuple-shaped TaskID, e.g. ("stats", 0).
type Tuple []any

// Range is the Go equivalent of a Python slice key: extracts [Start:End)
// from a sequence-shaped result.
type Range struct {
	Start, End int
}

// KeySeq is an ordered sequence of extraction steps applied left to right.
type KeySeq []any

// Dependency is a handle to another task's result.
type Dependency struct {
	Producer TaskID
	// Key is nil (whole value), a single step, or a KeySeq.
	Key      any
	CommCost float64
}

// KeyOf renders any TaskID into a canonical, comparable string so it can
// be used as a map key. Strings and ints render with a type prefix, a
// Tuple renders element-wise through KeyOf, and any other value renders
// via fmt.Sprintf("%#v", ...); two tuples whose elements are equal and
// of the same Go type collide on the same key. This is the
// implementation's stand-in for "any hashable and orderable value" as a
// TaskID.
func KeyOf(id TaskID) string {
	switch v := id.(type) {
	case Tuple:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = KeyOf(p)
		}
		return "tuple:" + fmt.Sprint(parts)
	case string:
		return "s:" + v
	case int:
		return fmt.Sprintf("i:%d", v)
	default:
		return fmt.Sprintf("v:%#v", v)
	}
}

// IsTuple reports whether id is tuple-shaped.
func IsTuple(id TaskID) (Tuple, bool) {
	t, ok := id.(Tuple)
	return t, ok
}

// isContainer reports whether v is a sequence or mapping container as
// opposed to a leaf. A Dependency is never a container, and strings are
// never treated as iterable containers.
func isContainer(v Value) bool {
	switch v.(type) {
	case Dependency:
		return false
	case Seq, Map:
		return true
	default:
		return false
	}
}

// MapLeaves returns a new args tree of the same shape with f applied to
// every non-container leaf (Dependency included).
func MapLeaves(f func(Value) Value, v Value) Value {
	switch x := v.(type) {
	case Map:
		out := make(Map, len(x))
		for k, val := range x {
			out[k] = MapLeaves(f, val)
		}
		return out
	case Seq:
		out := make(Seq, len(x))
		for i, val := range x {
			out[i] = MapLeaves(f, val)
		}
		return out
	default:
		return f(v)
	}
}

// ListDependencies returns the set of producer task IDs appearing
// anywhere in args, deduplicated, in first-seen order for determinism
// (a Map's entries are walked in sorted-name order).
func ListDependencies(v Value) []TaskID {
	var order []TaskID
	seen := map[string]bool{}
	var walk func(Value)
	walk = func(val Value) {
		switch x := val.(type) {
		case Dependency:
			k := KeyOf(x.Producer)
			if !seen[k] {
				seen[k] = true
				order = append(order, x.Producer)
			}
		case Map:
			for _, k := range SortedKeys(x) {
				walk(x[k])
			}
		case Seq:
			for _, v2 := range x {
				walk(v2)
			}
		}
	}
	walk(v)
	return order
}

// CommCost pairs a producer task ID with its conservative communication
// cost (the max over all of its occurrences in an args tree).
type CommCost struct {
	Producer TaskID
	Cost     float64
}

// ListCommunicationCosts returns, for each unique producer referenced in
// args, the maximum declared commCost across all of its occurrences.
func ListCommunicationCosts(v Value) []CommCost {
	costs := map[string]float64{}
	order := []string{}
	ids := map[string]TaskID{}
	var walk func(Value)
	walk = func(val Value) {
		switch x := val.(type) {
		case Dependency:
			k := KeyOf(x.Producer)
			if cur, ok := costs[k]; !ok || x.CommCost > cur {
				costs[k] = x.CommCost
			}
			if _, ok := ids[k]; !ok {
				ids[k] = x.Producer
				order = append(order, k)
			}
		case Map:
			for _, v2 := range x {
				walk(v2)
			}
		case Seq:
			for _, v2 := range x {
				walk(v2)
			}
		}
	}
	walk(v)

	out := make([]CommCost, 0, len(order))
	for _, k := range order {
		out = append(out, CommCost{Producer: ids[k], Cost: costs[k]})
	}
	return out
}

// EquivalentArgs is a structural equality with one tolerant fallback:
// when two opaque leaves reject direct comparison, fall back to
// element-wise equivalence under zipped iteration.
func EquivalentArgs(a, b Value) bool {
	switch av := a.(type) {
	case Map:
		bv, ok := b.(Map)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			v2, ok := bv[k]
			if !ok || !EquivalentArgs(v, v2) {
				return false
			}
		}
		return true
	case Seq:
		bv, ok := b.(Seq)
		if !ok {
			return false
		}
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !EquivalentArgs(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Dependency:
		bv, ok := b.(Dependency)
		if !ok {
			return false
		}
		return KeyOf(av.Producer) == KeyOf(bv.Producer) && keyEqual(av.Key, bv.Key)
	default:
		return scalarEqual(a, b)
	}
}

func keyEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// scalarEqual compares two opaque leaves, falling back to reflection
// for values whose == would panic or behave surprisingly (e.g. slices).
func scalarEqual(a, b Value) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = reflect.DeepEqual(a, b)
		}
	}()
	av := reflect.ValueOf(a)
	bv := reflect.ValueOf(b)
	if av.IsValid() && bv.IsValid() && av.Kind() == bv.Kind() &&
		(av.Kind() == reflect.Slice || av.Kind() == reflect.Array) {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

// RelabelDependencies returns a new args tree with every Dependency whose
// producer appears in labels replaced by a Dependency to labels[producer]
// (key and commCost preserved).
func RelabelDependencies(v Value, labels map[string]TaskID) Value {
	return MapLeaves(func(leaf Value) Value {
		dep, ok := leaf.(Dependency)
		if !ok {
			return leaf
		}
		if newID, ok := labels[KeyOf(dep.Producer)]; ok {
			return Dependency{Producer: newID, Key: dep.Key, CommCost: dep.CommCost}
		}
		return leaf
	}, v)
}

// DependencyError is returned by ExpandArgs when a dependency resolves to
// an error value (see taskerr.IsErrorValue, injected via IsErrValue to
// avoid an import cycle with the taskerr package).
var IsErrValue func(any) bool

// WrapDependencyError builds the error ExpandArgs returns when a
// dependency resolves to an error value; set by taskerr to avoid a cycle.
var WrapDependencyError func(inner any) error

// ExpandArgs replaces every Dependency leaf by the actual result drawn
// from results (indexed by KeyOf(producer)), returning the expanded
// shape. If any extracted value is itself an error value, ExpandArgs
// fails with a DependencyError.
func ExpandArgs(v Value, results map[string]any) (Value, error) {
	var err error
	out := MapLeaves(func(leaf Value) Value {
		if err != nil {
			return leaf
		}
		dep, ok := leaf.(Dependency)
		if !ok {
			return leaf
		}
		raw, ok := results[KeyOf(dep.Producer)]
		if !ok {
			err = fmt.Errorf("expand args: no result for producer %v", dep.Producer)
			return nil
		}
		if IsErrValue != nil && IsErrValue(raw) {
			err = WrapDependencyError(raw)
			return nil
		}
		var extracted any
		extracted, err = extract(raw, dep.Key)
		if err != nil {
			return nil
		}
		if IsErrValue != nil && IsErrValue(extracted) {
			err = WrapDependencyError(extracted)
			return nil
		}
		return extracted
	}, v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func extract(v any, key any) (any, error) {
	if key == nil {
		return v, nil
	}
	if seq, ok := key.(KeySeq); ok {
		cur := v
		var err error
		for _, step := range seq {
			cur, err = extractStep(cur, step)
			if err != nil {
				return nil, err
			}
		}
		return cur, nil
	}
	return extractStep(v, key)
}

// extractStep applies a single key to v: index/slice/map lookup, falling
// back to a named field when key is a string (mapping lookup first,
// attribute fallback on lookup failure).
func extractStep(v any, key any) (any, error) {
	if mv, kv := reflect.ValueOf(v), reflect.ValueOf(key); mv.Kind() == reflect.Map && kv.IsValid() &&
		kv.Type().Comparable() && kv.Type().AssignableTo(mv.Type().Key()) {
		if val := mv.MapIndex(kv); val.IsValid() {
			return val.Interface(), nil
		}
	}
	switch k := key.(type) {
	case Range:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, fmt.Errorf("extract: range key on non-sequence %T", v)
		}
		start, end := k.Start, k.End
		if start < 0 {
			start += rv.Len()
		}
		if end < 0 {
			end += rv.Len()
		}
		if start < 0 || end > rv.Len() || start > end {
			return nil, fmt.Errorf("extract: range [%d:%d) out of bounds for len %d", k.Start, k.End, rv.Len())
		}
		return rv.Slice(start, end).Interface(), nil
	case string:
		if m, ok := v.(map[string]any); ok {
			if val, ok := m[k]; ok {
				return val, nil
			}
		}
		rv := reflect.ValueOf(v)
		for rv.Kind() == reflect.Ptr {
			rv = rv.Elem()
		}
		if rv.IsValid() && rv.Kind() == reflect.Struct {
			f := rv.FieldByName(k)
			if f.IsValid() {
				return f.Interface(), nil
			}
		}
		return nil, fmt.Errorf("extract: key %q not found on %T", k, v)
	case int:
		if m, ok := v.(map[string]any); ok {
			if val, ok := m[fmt.Sprint(k)]; ok {
				return val, nil
			}
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			idx := k
			if idx < 0 {
				idx += rv.Len()
			}
			if idx < 0 || idx >= rv.Len() {
				return nil, fmt.Errorf("extract: index %d out of range (len %d)", k, rv.Len())
			}
			return rv.Index(idx).Interface(), nil
		}
		return nil, fmt.Errorf("extract: index key on non-sequence %T", v)
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Map {
			kv := reflect.ValueOf(key)
			val := rv.MapIndex(kv)
			if val.IsValid() {
				return val.Interface(), nil
			}
		}
		return nil, fmt.Errorf("extract: unsupported key type %T", key)
	}
}

// SortedKeys is a small helper used by callers that need deterministic
// iteration over a Map's names.
func SortedKeys(m Map) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

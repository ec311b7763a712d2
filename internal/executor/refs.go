package executor

import (
	"sort"
	"strconv"
	"strings"
)

// refSuffix marks an order field holding a resource id.
const refSuffix = "_resource_id"

// Ref locates a resource id inside a job's orders.
type Ref struct {
	Parents []string // enclosing map keys and "[i]" list indexes, outermost first
	Field   string   // e.g. "primary_resource_id"
	ID      string
}

// Key returns the dotted location of the reference, e.g.
// "init_kwargs.primary_resource_id" or "extra[0].aux_resource_id".
func (r Ref) Key() string {
	var b strings.Builder
	for _, p := range r.Parents {
		if b.Len() > 0 && !strings.HasPrefix(p, "[") {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	if b.Len() > 0 {
		b.WriteByte('.')
	}
	b.WriteString(r.Field)
	return b.String()
}

// Prefix returns the field name without the resource id suffix.
func (r Ref) Prefix() string {
	return strings.TrimSuffix(r.Field, refSuffix)
}

// ResourceRefs finds every string value keyed "<name>_resource_id" at any
// depth of nested objects and lists, in a stable order. Non-string values are
// returned with an empty ID so callers can report them.
func ResourceRefs(orders map[string]any) []Ref {
	var refs []Ref
	collectRefs(orders, nil, &refs)
	return refs
}

func collectRefs(m map[string]any, parents []string, refs *[]Ref) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := m[k].(type) {
		case map[string]any:
			collectRefs(v, extend(parents, k), refs)
		case []any:
			collectListRefs(v, extend(parents, k), refs)
		default:
			if !strings.HasSuffix(k, refSuffix) || len(k) == len(refSuffix) {
				continue
			}
			id, _ := v.(string)
			*refs = append(*refs, Ref{
				Parents: append([]string(nil), parents...),
				Field:   k,
				ID:      id,
			})
		}
	}
}

func collectListRefs(list []any, parents []string, refs *[]Ref) {
	for i, e := range list {
		switch v := e.(type) {
		case map[string]any:
			collectRefs(v, extend(parents, indexSegment(i)), refs)
		case []any:
			collectListRefs(v, extend(parents, indexSegment(i)), refs)
		}
	}
}

func extend(parents []string, seg string) []string {
	return append(append([]string(nil), parents...), seg)
}

func indexSegment(i int) string {
	return "[" + strconv.Itoa(i) + "]"
}

// listIndex parses an "[i]" segment.
func listIndex(seg string) (int, bool) {
	inner, ok := strings.CutPrefix(seg, "[")
	if !ok {
		return 0, false
	}
	inner, ok = strings.CutSuffix(inner, "]")
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(inner)
	return i, err == nil && i >= 0
}

// DefaultInputName names the parameter a resolved reference is bound to:
// "primary_resource_id" becomes "primary_input".
func DefaultInputName(field string) string {
	return strings.TrimSuffix(field, refSuffix) + "_input"
}

// setAt writes value at parents+key. Missing map levels are created; a
// list index that does not exist in m leaves m unchanged.
func setAt(m map[string]any, parents []string, key string, value any) {
	var cur any = m
	for _, p := range parents {
		switch c := cur.(type) {
		case map[string]any:
			next, ok := c[p]
			switch next.(type) {
			case map[string]any, []any:
			default:
				ok = false
			}
			if !ok {
				next = make(map[string]any)
				c[p] = next
			}
			cur = next
		case []any:
			i, ok := listIndex(p)
			if !ok || i >= len(c) {
				return
			}
			if _, isMap := c[i].(map[string]any); !isMap {
				if _, isList := c[i].([]any); !isList {
					return
				}
			}
			cur = c[i]
		default:
			return
		}
	}
	if target, ok := cur.(map[string]any); ok {
		target[key] = value
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

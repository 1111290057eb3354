package schema

import (
	"fmt"
	"sort"
	"strings"

	"atlas/internal/apperr"
)

func depth(id string) int { return strings.Count(id, ".") }

// Compile builds the closed schema for a feature selection. Input order does
// not matter: features are stably sorted by ascending depth first, so every
// container exists before anything is attached beneath it. Compile never
// mutates its arguments.
func Compile(features []Feature, lookup ContainerLookup) (*Tree, error) {
	if len(features) == 0 {
		return nil, apperr.Invalid("features", "project has no features selected")
	}
	sorted := make([]Feature, len(features))
	copy(sorted, features)
	sort.SliceStable(sorted, func(i, j int) bool { return depth(sorted[i].ID) < depth(sorted[j].ID) })

	tree, err := build(sorted, lookup)
	if err != nil {
		return nil, err
	}
	return Close(tree), nil
}

// build is the structure pass. Required lists are left empty for Close.
func build(features []Feature, lookup ContainerLookup) (*Tree, error) {
	t := &Tree{Root: &Container{Extra: map[string]any{}}}
	seen := map[string]bool{}
	for _, f := range features {
		segments := strings.Split(f.ID, ".")
		for _, s := range segments {
			if strings.TrimSpace(s) == "" {
				return nil, apperr.Invalid(f.ID, "feature path has an empty segment")
			}
		}
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		t.Features = append(t.Features, f.ID)

		level := t.Root
		for i, seg := range segments[:len(segments)-1] {
			prefix := strings.Join(segments[:i+1], ".")
			existing, ok := level.child(seg)
			if !ok {
				c, warning := newContainer(prefix, seg, lookup)
				if warning != "" {
					t.Warnings = append(t.Warnings, warning)
				}
				level.Children = append(level.Children, Child{Name: seg, Node: c})
				level = c
				continue
			}
			c, isContainer := existing.(*Container)
			if !isContainer {
				return nil, apperr.Invalid(f.ID, fmt.Sprintf("%q is a leaf feature and cannot hold children", prefix))
			}
			level = c
		}

		last := segments[len(segments)-1]
		if existing, ok := level.child(last); ok {
			if _, isContainer := existing.(*Container); isContainer {
				return nil, apperr.Invalid(f.ID, "path is already used as a container")
			}
			continue
		}
		level.Children = append(level.Children, Child{Name: last, Node: &Leaf{Fragment: copyMap(f.Fragment)}})
	}
	return t, nil
}

// newContainer prefers the registered fragment for prefix and synthesizes a
// default when none is registered or the registered one is not an array of
// objects. The second return value explains a rejected registration.
func newContainer(prefix, segment string, lookup ContainerLookup) (*Container, string) {
	synth := &Container{Description: fmt.Sprintf("Array of %s objects", segment), Extra: map[string]any{}}
	if lookup == nil {
		return synth, ""
	}
	frag, ok := lookup.LookupContainer(prefix)
	if !ok {
		return synth, ""
	}
	if frag["type"] != "array" {
		return synth, fmt.Sprintf("container %q: registered type %v is not array; using default", prefix, frag["type"])
	}
	items, ok := frag["items"].(map[string]any)
	if !ok || items["type"] != "object" {
		return synth, fmt.Sprintf("container %q: registered items are not an object; using default", prefix)
	}
	c := &Container{Extra: map[string]any{}}
	if d, ok := frag["description"].(string); ok && d != "" {
		c.Description = d
	} else {
		c.Description = synth.Description
	}
	for k, v := range frag {
		switch k {
		case "type", "description", "items":
		default:
			c.Extra[k] = deepCopy(v)
		}
	}
	return c, ""
}

// Close is the required-closure pass. Every container's required list ends
// up holding each child name exactly once in child order, and every object
// inside leaf fragments is closed with additionalProperties=false. Close
// returns a new tree; Close(Close(t)) equals Close(t).
func Close(t *Tree) *Tree {
	out := t.clone()
	closeContainer(out.Root)
	return out
}

func closeContainer(c *Container) {
	required := make([]string, 0, len(c.Children))
	listed := map[string]bool{}
	for _, r := range c.Required {
		if _, ok := c.child(r); ok && !listed[r] {
			required = append(required, r)
			listed[r] = true
		}
	}
	for _, ch := range c.Children {
		if !listed[ch.Name] {
			required = append(required, ch.Name)
			listed[ch.Name] = true
		}
		switch n := ch.Node.(type) {
		case *Container:
			closeContainer(n)
		case *Leaf:
			n.Fragment = EnforceClosed(n.Fragment).(map[string]any)
		}
	}
	c.Required = required
	c.Extra = EnforceClosed(c.Extra).(map[string]any)
}

// EnforceClosed walks maps and lists to any depth and sets
// additionalProperties=false on every map whose type is "object".
func EnforceClosed(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x)+1)
		for k, val := range x {
			out[k] = EnforceClosed(val)
		}
		if out["type"] == "object" {
			out["additionalProperties"] = false
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = EnforceClosed(val)
		}
		return out
	default:
		return v
	}
}

// Package schema compiles dotted feature paths into one nested, closed JSON
// schema and interprets model output against it.
package schema

// Feature is one selected leaf: its dotted identifier and the schema
// fragment attached verbatim at the last path segment.
type Feature struct {
	ID       string
	Fragment map[string]any
}

// ContainerLookup resolves a registered array-of-object fragment for a path prefix.
type ContainerLookup interface {
	LookupContainer(prefix string) (map[string]any, bool)
}

// Node is either a *Leaf or a *Container.
type Node interface {
	isNode()
}

type Leaf struct {
	Fragment map[string]any
}

// Container is an array of objects. Children keep insertion order.
type Container struct {
	Description string
	Extra       map[string]any
	Children    []Child
	Required    []string
}

type Child struct {
	Name string
	Node Node
}

func (*Leaf) isNode()      {}
func (*Container) isNode() {}

func (c *Container) child(name string) (Node, bool) {
	for _, ch := range c.Children {
		if ch.Name == name {
			return ch.Node, true
		}
	}
	return nil, false
}

// Tree is a compiled schema. Root renders as an object, not an array.
type Tree struct {
	Root     *Container
	Features []string
	Warnings []string
}

func (t *Tree) clone() *Tree {
	return &Tree{
		Root:     cloneContainer(t.Root),
		Features: append([]string(nil), t.Features...),
		Warnings: append([]string(nil), t.Warnings...),
	}
}

func cloneContainer(c *Container) *Container {
	out := &Container{
		Description: c.Description,
		Extra:       copyMap(c.Extra),
		Children:    make([]Child, len(c.Children)),
		Required:    append([]string(nil), c.Required...),
	}
	for i, ch := range c.Children {
		out.Children[i] = Child{Name: ch.Name, Node: cloneNode(ch.Node)}
	}
	return out
}

func cloneNode(n Node) Node {
	switch v := n.(type) {
	case *Leaf:
		return &Leaf{Fragment: copyMap(v.Fragment)}
	case *Container:
		return cloneContainer(v)
	}
	return n
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return deepCopy(m).(map[string]any)
}

// deepCopy copies JSON-shaped values.
func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = deepCopy(val)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

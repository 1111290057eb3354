package registry

import (
	"fmt"
	"strings"

	"atlas/internal/apperr"
	"atlas/internal/models"
)

// ContainerSuffix marks the registry entry that describes a path prefix.
const ContainerSuffix = ".parent"

// Definition is a registered feature. Kind selects which fragment it renders.
type Definition struct {
	ID          string
	Name        string
	Parent      string
	Kind        models.FeatureKind
	Description string
	Enum        []string
	OwnerID     string
}

func FromModel(f models.Feature) (Definition, error) {
	switch f.Kind {
	case models.KindString, models.KindNumber, models.KindInteger, models.KindContainer:
	case models.KindEnum:
		if len(f.Enum) == 0 {
			return Definition{}, apperr.Invalid(f.ID, "enum feature has no values")
		}
	default:
		return Definition{}, apperr.Invalid(f.ID, fmt.Sprintf("unknown kind %q", f.Kind))
	}
	return Definition{
		ID:          f.ID,
		Name:        f.Name,
		Parent:      f.Parent,
		Kind:        f.Kind,
		Description: f.Description,
		Enum:        append([]string(nil), f.Enum...),
		OwnerID:     f.OwnerID,
	}, nil
}

func (d Definition) Model() models.Feature {
	return models.Feature{
		ID:          d.ID,
		Name:        d.Name,
		Parent:      d.Parent,
		Kind:        d.Kind,
		Description: d.Description,
		Enum:        append([]string(nil), d.Enum...),
		OwnerID:     d.OwnerID,
	}
}

func (d Definition) IsContainer() bool { return d.Kind == models.KindContainer }

// Depth counts the dots in the identifier.
func Depth(id string) int { return strings.Count(id, ".") }

// Fragment renders the JSON-schema fragment for this definition. The result
// is freshly allocated on every call.
func (d Definition) Fragment() map[string]any {
	switch d.Kind {
	case models.KindContainer:
		return map[string]any{
			"type":        "array",
			"description": d.Description,
			"items": map[string]any{
				"type":       "object",
				"properties": map[string]any{},
				"required":   []any{},
			},
		}
	case models.KindEnum:
		enum := make([]any, len(d.Enum))
		for i, v := range d.Enum {
			enum[i] = v
		}
		return map[string]any{"type": "string", "description": d.Description, "enum": enum}
	default:
		return map[string]any{"type": string(d.Kind), "description": d.Description}
	}
}

// CreateInput is the user-facing shape of a new feature.
type CreateInput struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Type        string   `json:"type" yaml:"type"`
	Parent      string   `json:"parent,omitempty" yaml:"parent,omitempty"`
	Options     []string `json:"options,omitempty" yaml:"options,omitempty"`
	OwnerID     string   `json:"-" yaml:"-"`
}

// NewDefinition maps a user-facing feature type onto a schema kind.
// Booleans become a True/False enum and enums carry their choices in the
// description so providers without enum support still see them.
func NewDefinition(in CreateInput) (Definition, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Definition{}, apperr.Invalid("name", "required")
	}
	segment := strings.ToLower(strings.Join(strings.Fields(name), "_"))
	parent := strings.Trim(strings.TrimSpace(in.Parent), ".")
	id := segment
	if parent != "" {
		id = parent + "." + segment
	}
	desc := strings.TrimSpace(in.Description)

	d := Definition{ID: id, Name: name, Parent: parent, Description: desc, OwnerID: in.OwnerID}
	switch strings.ToLower(strings.TrimSpace(in.Type)) {
	case "text", "string", "":
		d.Kind = models.KindString
	case "number":
		d.Kind = models.KindNumber
	case "integer":
		d.Kind = models.KindInteger
	case "boolean":
		d.Kind = models.KindEnum
		d.Enum = []string{"True", "False"}
		d.Description = strings.TrimSpace(desc + " Answer true or false.")
	case "enum":
		opts := make([]string, 0, len(in.Options))
		for _, o := range in.Options {
			if o = strings.TrimSpace(o); o != "" {
				opts = append(opts, o)
			}
		}
		if len(opts) == 0 {
			return Definition{}, apperr.Invalid("options", "enum features need at least one option")
		}
		d.Kind = models.KindEnum
		d.Enum = opts
		d.Description = strings.TrimSpace(fmt.Sprintf("%s Choose one of [%s].", desc, strings.Join(opts, ", ")))
	case "parent":
		d.Kind = models.KindContainer
		d.ID = id + ContainerSuffix
		d.Parent = parent
	default:
		return Definition{}, apperr.Invalid("type", fmt.Sprintf("unsupported feature type %q", in.Type))
	}
	return d, nil
}

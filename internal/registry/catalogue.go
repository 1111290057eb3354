package registry

import (
	"io"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Catalogue is the on-disk seed format:
//
//	features:
//	  - name: Experiments
//	    type: parent
//	  - name: Name
//	    parent: experiments
//	    type: text
type Catalogue struct {
	Features []CreateInput `yaml:"features"`
}

// LoadCatalogue parses and validates a YAML catalogue. Definitions come back
// in file order.
func LoadCatalogue(r io.Reader, ownerID string) ([]Definition, error) {
	var c Catalogue
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, eris.Wrap(err, "registry: decode catalogue")
	}
	seen := map[string]bool{}
	out := make([]Definition, 0, len(c.Features))
	for i, in := range c.Features {
		in.OwnerID = ownerID
		d, err := NewDefinition(in)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: catalogue entry %d", i)
		}
		if seen[d.ID] {
			return nil, eris.Errorf("registry: catalogue defines %q twice", d.ID)
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	return out, nil
}

// Package gallery holds the enrolled-identity templates the recognizer matches against.
//
// A Gallery is immutable once built. The Loader swaps whole galleries through an atomic
// pointer, so readers see either the old set or the new set, never a partial one.
package gallery

import (
	"fmt"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Version identifies one state of the enrollment store. Zero means "never read".
type Version int64

// Gallery is one loaded snapshot of the enrollment store.
type Gallery struct {
	Templates  []types.EnrolledTemplate
	Version    Version
	Generation uint64 // incremented on every swap
	Dim        int    // descriptor length shared by all templates, 0 when empty

	names map[string]string
}

// New validates templates into a gallery. Templates that fail validation or whose
// descriptor length differs from the first valid template are skipped and reported.
func New(templates []types.EnrolledTemplate, version Version) (*Gallery, []error) {
	g := &Gallery{Version: version, names: make(map[string]string, len(templates))}
	var errs []error
	for _, t := range templates {
		tpl, err := types.NewEnrolledTemplate(t.IdentityID, t.Name, t.Descriptors)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := g.names[tpl.IdentityID]; dup {
			errs = append(errs, fmt.Errorf("identity %s: duplicate template", tpl.IdentityID))
			continue
		}
		if g.Dim == 0 {
			g.Dim = len(tpl.Descriptors[0])
		} else if len(tpl.Descriptors[0]) != g.Dim {
			errs = append(errs, fmt.Errorf("identity %s: %w (got %d, gallery uses %d)",
				tpl.IdentityID, types.ErrDescriptorShape, len(tpl.Descriptors[0]), g.Dim))
			continue
		}
		g.names[tpl.IdentityID] = tpl.Name
		g.Templates = append(g.Templates, tpl)
	}
	return g, errs
}

// Empty returns a gallery with no templates.
func Empty(version Version) *Gallery {
	return &Gallery{Version: version, names: map[string]string{}}
}

func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.Templates)
}

// Name returns the display name of an enrolled identity.
func (g *Gallery) Name(identityID string) (string, bool) {
	if g == nil {
		return "", false
	}
	n, ok := g.names[identityID]
	return n, ok
}

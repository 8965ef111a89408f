package recognition

import (
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
)

// noRunner is reported as the runner-up distance when only one identity is enrolled.
const noRunner = 2.0

// Matcher decides which enrolled identity, if any, a descriptor belongs to.
type Matcher struct {
	// AcceptThreshold is the largest cosine distance still considered a match.
	AcceptThreshold float64
	// Margin is the smallest gap required between the best identity and the
	// second-best distinct identity. Anything closer is ambiguous.
	Margin float64
}

// MatchAgainstGallery compares desc with every descriptor of every template.
// Each identity scores its closest descriptor; the best and the second-best identity
// then decide acceptance.
func (m Matcher) MatchAgainstGallery(desc []float32, g *gallery.Gallery) types.MatchCandidate {
	if g.Len() == 0 {
		return types.MatchCandidate{Distance: noRunner, Runner: noRunner, Reason: types.MatchEmptyGallery}
	}

	best, runner := noRunner, noRunner
	var bestTpl *types.EnrolledTemplate
	for i := range g.Templates {
		tpl := &g.Templates[i]
		d := noRunner
		for _, ref := range tpl.Descriptors {
			if dist := cosineDist(desc, ref); dist < d {
				d = dist
			}
		}
		switch {
		case bestTpl == nil || d < best:
			runner = best
			best, bestTpl = d, tpl
		case d < runner:
			runner = d
		}
	}

	c := types.MatchCandidate{Distance: best, Runner: runner}
	switch {
	case best > m.AcceptThreshold:
		c.Reason = types.MatchBelowThreshold
	case len(g.Templates) > 1 && runner-best < m.Margin:
		c.Reason = types.MatchAmbiguous
	default:
		c.Reason = types.MatchAccepted
		c.IdentityID = bestTpl.IdentityID
		c.Name = bestTpl.Name
	}
	return c
}

// Package confirm smooths per-frame recognition results into stable identities.
//
// A Tracker is a three-state machine owned by exactly one camera loop:
//
//	Neutral  --X-->  Tentative(X, 1)
//	Tentative(X, n) --X--> Tentative(X, n+1), or Confirmed(X) once n+1 reaches the threshold
//	Tentative(X, n) / Confirmed(X) --Y--> Tentative(Y, 1)
//	any --none--> count-1, Neutral at 0 (Confirmed decays through Tentative(X, threshold-1))
//
// Trackers are not safe for concurrent use.
package confirm

import (
	"fmt"

	"github.com/andresmejia3/rollcall/internal/types"
)

// State is the tracker's phase.
type State int

const (
	Neutral State = iota
	Tentative
	Confirmed
)

func (s State) String() string {
	switch s {
	case Neutral:
		return "neutral"
	case Tentative:
		return "tentative"
	case Confirmed:
		return "confirmed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Observation is what the tracker concluded from one processed frame.
type Observation struct {
	State      State
	IdentityID string
	Name       string
	Count      int
	// JustConfirmed is true only on the Tentative to Confirmed edge.
	JustConfirmed bool
	// Candidate is the accepted match the tracker followed this frame, if any.
	Candidate *types.MatchCandidate
}

// Confirmed reports whether the observation is an attendance trigger.
func (o Observation) Confirmed() bool {
	return o.State == Confirmed && o.Candidate != nil
}

// Tracker holds the RecognitionState of one camera.
type Tracker struct {
	threshold int

	state    State
	identity string
	name     string
	count    int
}

// NewTracker creates a tracker that needs threshold agreeing frames to confirm.
func NewTracker(threshold int) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	return &Tracker{threshold: threshold}
}

// State returns the current phase, identity and agreement count.
func (t *Tracker) State() (State, string, int) {
	return t.state, t.identity, t.count
}

// Reset returns the tracker to Neutral.
func (t *Tracker) Reset() {
	t.state, t.identity, t.name, t.count = Neutral, "", "", 0
}

// Observe feeds the candidates of one processed frame into the state machine.
// Unaccepted candidates are ignored.
func (t *Tracker) Observe(candidates []types.MatchCandidate) Observation {
	pick := t.choose(candidates)
	if pick == nil {
		t.decay()
		return t.observation(nil, false)
	}

	switch {
	case t.state != Neutral && pick.IdentityID == t.identity:
		if t.state == Confirmed {
			return t.observation(pick, false)
		}
		t.count++
		if t.count >= t.threshold {
			t.state = Confirmed
			return t.observation(pick, true)
		}
	default:
		// Neutral, or a different identity took over
		t.identity, t.name, t.count = pick.IdentityID, pick.Name, 1
		if t.count >= t.threshold {
			t.state = Confirmed
			return t.observation(pick, true)
		}
		t.state = Tentative
	}
	return t.observation(pick, false)
}

// choose keeps following the tracked identity if it is present, otherwise takes the
// closest accepted candidate.
func (t *Tracker) choose(candidates []types.MatchCandidate) *types.MatchCandidate {
	var best *types.MatchCandidate
	for i := range candidates {
		c := &candidates[i]
		if !c.Accepted() {
			continue
		}
		if t.state != Neutral && c.IdentityID == t.identity {
			return c
		}
		if best == nil || c.Distance < best.Distance {
			best = c
		}
	}
	return best
}

func (t *Tracker) decay() {
	switch t.state {
	case Neutral:
		return
	case Confirmed:
		t.state = Tentative
		t.count = t.threshold - 1
	default:
		t.count--
	}
	if t.count <= 0 {
		t.Reset()
	}
}

func (t *Tracker) observation(pick *types.MatchCandidate, edge bool) Observation {
	return Observation{
		State:         t.state,
		IdentityID:    t.identity,
		Name:          t.name,
		Count:         t.count,
		JustConfirmed: edge,
		Candidate:     pick,
	}
}

package capture

import (
	"sort"
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Camera is one registry entry. Its target may change while the capture loop runs;
// the loop learns about it through Changed.
type Camera struct {
	ID int

	mu      sync.Mutex
	source  types.CameraSource
	changed chan struct{}
}

func newCamera(src types.CameraSource) *Camera {
	return &Camera{ID: src.ID, source: src, changed: make(chan struct{})}
}

// Source returns the current configuration.
func (c *Camera) Source() types.CameraSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Changed returns a channel closed at the next target change.
func (c *Camera) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Current returns the configuration together with the channel that is closed when
// that configuration's target is replaced. Both come from the same instant.
func (c *Camera) Current() (types.CameraSource, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source, c.changed
}

// update applies src and reports whether the target changed.
func (c *Camera) update(src types.CameraSource) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if src.Name != "" {
		c.source.Name = src.Name
	}
	if src.Target == c.source.Target {
		return false
	}
	c.source.Target = src.Target
	close(c.changed)
	c.changed = make(chan struct{})
	return true
}

// Registry owns every camera of the process. Cameras are never removed.
type Registry struct {
	mu   sync.Mutex
	cams map[int]*Camera
}

func NewRegistry() *Registry {
	return &Registry{cams: make(map[int]*Camera)}
}

// Apply merges a camera list into the registry. Existing cameras get the new target,
// unknown ids are added and returned so the caller can start their loops.
// Cameras missing from sources are left untouched.
func (r *Registry) Apply(sources []types.CameraSource) (added []*Camera, retargeted []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, src := range sources {
		if cam, ok := r.cams[src.ID]; ok {
			if cam.update(src) {
				retargeted = append(retargeted, src.ID)
			}
			continue
		}
		cam := newCamera(src)
		r.cams[src.ID] = cam
		added = append(added, cam)
	}
	return added, retargeted
}

func (r *Registry) Get(id int) (*Camera, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cams[id]
	return c, ok
}

// List returns the current configuration of every camera, ordered by id.
func (r *Registry) List() []types.CameraSource {
	r.mu.Lock()
	cams := make([]*Camera, 0, len(r.cams))
	for _, c := range r.cams {
		cams = append(cams, c)
	}
	r.mu.Unlock()

	out := make([]types.CameraSource, len(cams))
	for i, c := range cams {
		out[i] = c.Source()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

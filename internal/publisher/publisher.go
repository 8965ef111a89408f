// Package publisher keeps the latest annotated JPEG of every camera for HTTP viewers.
//
// Each camera has its own cell and lock; the registry lock is only taken to look a
// cell up. Publish overwrites the previous frame; slow viewers skip frames instead of
// queueing them.
package publisher

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sort"
	"sync"

	"github.com/andresmejia3/rollcall/internal/overlay"
)

type cell struct {
	mu        sync.Mutex
	name      string
	jpeg      []byte
	seq       uint64
	connected bool
	updated   chan struct{} // closed and replaced on every change
}

// Publisher is the registry of per-camera frame cells.
type Publisher struct {
	mu    sync.RWMutex
	cells map[int]*cell

	placeholderW, placeholderH int
}

// New creates a publisher whose placeholder images are width x height.
func New(width, height int) *Publisher {
	if width <= 0 || height <= 0 {
		width, height = 640, 360
	}
	return &Publisher{cells: make(map[int]*cell), placeholderW: width, placeholderH: height}
}

// Register creates the cell for a camera, showing the placeholder until the first frame.
// Registering an existing camera only updates its name.
func (p *Publisher) Register(cameraID int, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cells[cameraID]; ok {
		c.mu.Lock()
		c.name = name
		c.mu.Unlock()
		return
	}
	c := &cell{name: name, updated: make(chan struct{})}
	c.jpeg = p.placeholder(name)
	p.cells[cameraID] = c
}

func (p *Publisher) cell(cameraID int) (*cell, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.cells[cameraID]
	return c, ok
}

// Cameras returns the registered camera ids in ascending order.
func (p *Publisher) Cameras() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]int, 0, len(p.cells))
	for id := range p.cells {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Publish replaces the camera's latest frame. The publisher takes ownership of jpeg.
// Unknown cameras are registered on the fly.
func (p *Publisher) Publish(cameraID int, jpeg []byte) uint64 {
	c, ok := p.cell(cameraID)
	if !ok {
		p.Register(cameraID, fmt.Sprintf("Camera %d", cameraID))
		c, _ = p.cell(cameraID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jpeg = jpeg
	c.connected = true
	return c.bump()
}

// MarkDisconnected swaps the camera's image for the "connecting" placeholder.
func (p *Publisher) MarkDisconnected(cameraID int) {
	c, ok := p.cell(cameraID)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected && c.seq > 0 {
		return
	}
	c.connected = false
	c.jpeg = p.placeholder(c.name)
	c.bump()
}

// bump must be called with c.mu held.
func (c *cell) bump() uint64 {
	c.seq++
	close(c.updated)
	c.updated = make(chan struct{})
	return c.seq
}

// Latest returns a copy of the camera's current image and its sequence number.
func (p *Publisher) Latest(cameraID int) ([]byte, uint64, bool) {
	c, ok := p.cell(cameraID)
	if !ok {
		return nil, 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.jpeg...), c.seq, true
}

// Connected reports whether the camera currently delivers frames.
func (p *Publisher) Connected(cameraID int) bool {
	c, ok := p.cell(cameraID)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Wait blocks until the camera has an image newer than afterSeq, then returns a copy.
func (p *Publisher) Wait(ctx context.Context, cameraID int, afterSeq uint64) ([]byte, uint64, error) {
	c, ok := p.cell(cameraID)
	if !ok {
		return nil, 0, fmt.Errorf("camera %d is not registered", cameraID)
	}
	for {
		c.mu.Lock()
		if c.seq > afterSeq {
			out := append([]byte(nil), c.jpeg...)
			seq := c.seq
			c.mu.Unlock()
			return out, seq, nil
		}
		ch := c.updated
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-ch:
		}
	}
}

func (p *Publisher) placeholder(name string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, p.placeholderW, p.placeholderH))
	overlay.FillRect(img, img.Bounds(), color.RGBA{30, 30, 30, 255})
	y := p.placeholderH / 2
	overlay.Text(img, image.Pt(10, y-8), name, color.White)
	overlay.Text(img, image.Pt(10, y+10), "connecting...", color.RGBA{200, 200, 200, 255})
	data, err := overlay.Encode(img, 70)
	if err != nil {
		return nil
	}
	return data
}

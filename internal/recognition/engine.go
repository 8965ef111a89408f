// Package recognition turns a frame into per-face identity candidates.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Detector finds face regions in a frame.
type Detector interface {
	DetectFaces(ctx context.Context, frame types.Frame) ([]types.Region, error)
}

// Extractor computes a descriptor for one face region.
type Extractor interface {
	ExtractDescriptor(ctx context.Context, frame types.Frame, region types.Region) ([]float32, error)
}

// Engine runs detection, extraction and matching for one camera.
type Engine struct {
	Detector  Detector
	Extractor Extractor
	Matcher   Matcher
	// MinFaceArea drops detections smaller than this many pixels. Zero keeps all.
	MinFaceArea int
	Logger      *slog.Logger
}

func NewEngine(det Detector, ext Extractor, m Matcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Detector: det, Extractor: ext, Matcher: m, Logger: logger}
}

func (e *Engine) DetectFaces(ctx context.Context, frame types.Frame) ([]types.Region, error) {
	regions, err := e.Detector.DetectFaces(ctx, frame)
	if err != nil {
		return nil, err
	}
	if e.MinFaceArea <= 0 {
		return regions, nil
	}
	kept := regions[:0]
	for _, r := range regions {
		if r.Area() >= e.MinFaceArea {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (e *Engine) ExtractDescriptor(ctx context.Context, frame types.Frame, region types.Region) ([]float32, error) {
	desc, err := e.Extractor.ExtractDescriptor(ctx, frame, region)
	if err != nil {
		return nil, err
	}
	if len(desc) == 0 {
		return nil, errors.New("empty descriptor")
	}
	return desc, nil
}

func (e *Engine) MatchAgainstGallery(desc []float32, g *gallery.Gallery) types.MatchCandidate {
	return e.Matcher.MatchAgainstGallery(desc, g)
}

// Recognize returns one candidate per detected face, in detection order.
// A detection failure fails the frame. An extraction failure only marks its region.
func (e *Engine) Recognize(ctx context.Context, frame types.Frame, g *gallery.Gallery) ([]types.MatchCandidate, error) {
	regions, err := e.DetectFaces(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}

	candidates := make([]types.MatchCandidate, 0, len(regions))
	for _, region := range regions {
		if ctx.Err() != nil {
			return candidates, ctx.Err()
		}
		desc, err := e.ExtractDescriptor(ctx, frame, region)
		if err != nil {
			e.Logger.Warn("descriptor extraction failed, skipping face",
				"camera_id", frame.CameraID,
				"seq", frame.Seq,
				"region", region.Rect().String(),
				"error", err,
			)
			candidates = append(candidates, types.MatchCandidate{
				Region: region, Distance: noRunner, Runner: noRunner, Reason: types.MatchExtractFailed,
			})
			continue
		}
		c := e.MatchAgainstGallery(desc, g)
		c.Region = region
		candidates = append(candidates, c)
	}
	return candidates, nil
}

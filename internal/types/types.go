package types

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"time"
)

// CameraSource is one configured camera. ID is stable, Target may change at runtime.
type CameraSource struct {
	ID     int    `json:"id" yaml:"id"`
	Target string `json:"target" yaml:"target"` // device index, file path, rtsp:// or http:// URL
	Name   string `json:"name" yaml:"name"`
}

// Frame is a decoded, size-normalized picture from one camera.
// Producers must not touch Image or JPEG after handing the frame off.
type Frame struct {
	CameraID  int
	Seq       uint64
	Timestamp time.Time
	Image     *image.RGBA
	JPEG      []byte // encoded form of Image, sent to the model worker
}

func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Region is a detected face box in frame pixel coordinates.
type Region struct {
	X     int     `json:"x"`
	Y     int     `json:"y"`
	W     int     `json:"w"`
	H     int     `json:"h"`
	Score float64 `json:"score"`
}

// Rect converts the region to an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

// Area returns the box area in pixels.
func (r Region) Area() int {
	return r.W * r.H
}

// EnrolledTemplate holds every descriptor known for one identity.
type EnrolledTemplate struct {
	IdentityID  string      `msgpack:"id" json:"identity_id"`
	Name        string      `msgpack:"name" json:"name"`
	Descriptors [][]float32 `msgpack:"descriptors" json:"descriptors"`
}

var (
	ErrEmptyIdentity   = errors.New("identity id is empty")
	ErrNoDescriptors   = errors.New("template has no descriptors")
	ErrDescriptorShape = errors.New("descriptor length mismatch")
	ErrZeroDescriptor  = errors.New("descriptor is a zero vector")
)

// NewEnrolledTemplate validates and builds a template. Descriptors are copied.
func NewEnrolledTemplate(identityID, name string, descriptors [][]float32) (EnrolledTemplate, error) {
	if identityID == "" {
		return EnrolledTemplate{}, ErrEmptyIdentity
	}
	if err := ValidateDescriptors(descriptors); err != nil {
		return EnrolledTemplate{}, fmt.Errorf("identity %s: %w", identityID, err)
	}
	if name == "" {
		name = identityID
	}
	cp := make([][]float32, len(descriptors))
	for i, d := range descriptors {
		cp[i] = append([]float32(nil), d...)
	}
	return EnrolledTemplate{IdentityID: identityID, Name: name, Descriptors: cp}, nil
}

// ValidateDescriptors checks that all descriptors are non-empty, non-zero and of equal length.
func ValidateDescriptors(descriptors [][]float32) error {
	if len(descriptors) == 0 {
		return ErrNoDescriptors
	}
	dim := len(descriptors[0])
	for _, d := range descriptors {
		if len(d) == 0 || len(d) != dim {
			return ErrDescriptorShape
		}
		zero := true
		for _, v := range d {
			if v != 0 {
				zero = false
				break
			}
		}
		if zero {
			return ErrZeroDescriptor
		}
	}
	return nil
}

// MatchReason explains how a MatchCandidate was decided.
type MatchReason string

const (
	MatchAccepted       MatchReason = "accepted"
	MatchBelowThreshold MatchReason = "below_threshold"
	MatchAmbiguous      MatchReason = "ambiguous"
	MatchEmptyGallery   MatchReason = "empty_gallery"
	MatchExtractFailed  MatchReason = "extract_failed"
)

// MatchCandidate is the result of comparing one face against the gallery.
// IdentityID is empty unless Reason is MatchAccepted.
type MatchCandidate struct {
	IdentityID string
	Name       string
	Distance   float64 // cosine distance of the best identity
	Runner     float64 // cosine distance of the second-best distinct identity, 2 if none
	Region     Region
	Reason     MatchReason
}

// Accepted reports whether the candidate names an identity.
func (m MatchCandidate) Accepted() bool {
	return m.IdentityID != ""
}

// Status is the stored attendance status of a day entry.
type Status string

const (
	StatusPresent Status = "Present"
	StatusLate    Status = "Late"
	StatusAbsent  Status = "Absent" // derived only, never stored
)

// ParseStatus accepts a status name in any letter case.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusPresent, StatusLate, StatusAbsent} {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("status %q must be Present, Late or Absent", s)
}

// AttendanceEntry is the single ledger row for one identity on one calendar day.
type AttendanceEntry struct {
	IdentityID       string    `json:"identity_id"`
	Date             string    `json:"date"` // YYYY-MM-DD in the office time zone
	FirstIn          time.Time `json:"first_in"`
	LastSeen         time.Time `json:"last_seen"`
	TotalWorkSeconds float64   `json:"total_work_seconds"`
	Status           Status    `json:"status"`
}

// Identity is one row of the identity directory.
type Identity struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// DateLayout is the calendar-day key format used across the ledger and the stores.
const DateLayout = "2006-01-02"

package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python/FFmpeg logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Tail returns the last n bytes of captured stderr.
func (s *SafeCommand) Tail(n int) string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	b := s.Stderr.Bytes()
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

// ShowError prints a formatted error box and dumps child logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 ROLLCALL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nWORKER LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for CLI commands.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Video Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// CaptureArgs builds the FFmpeg argument list that turns a camera target into an MJPEG stream on Stdout.
//
// Targets:
//   - "0", "1", ...      local V4L2 device /dev/videoN
//   - "/dev/video2"      explicit device node
//   - "rtsp://..."       RTSP over TCP with a socket timeout
//   - anything else      passed to -i as-is (http MJPEG, files)
//
// maxWidth > 0 adds a downscale filter so the decoder never hands us more pixels than we need.
func CaptureArgs(target string, maxWidth int, fps float64) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	switch {
	case isDeviceIndex(target):
		args = append(args, "-f", "v4l2", "-i", "/dev/video"+target)
	case strings.HasPrefix(target, "/dev/video"):
		args = append(args, "-f", "v4l2", "-i", target)
	case strings.HasPrefix(target, "rtsp://"):
		// -timeout is in microseconds
		args = append(args, "-rtsp_transport", "tcp", "-timeout", "5000000", "-i", target)
	default:
		args = append(args, "-i", target)
	}

	var filters []string
	if fps > 0 {
		filters = append(filters, "fps="+strconv.FormatFloat(fps, 'f', -1, 64))
	}
	if maxWidth > 0 {
		filters = append(filters, fmt.Sprintf("scale='min(%d,iw)':-2", maxWidth))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}

	// Using -vcodec mjpeg ensures we get JPEGs Go can split
	return append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
}

// NewFFmpegCaptureCmd creates a decoder process for a live camera target.
func NewFFmpegCaptureCmd(ctx context.Context, target string, maxWidth int, fps float64) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", CaptureArgs(target, maxWidth, fps)...)
}

func isDeviceIndex(target string) bool {
	if target == "" {
		return false
	}
	_, err := strconv.Atoi(target)
	return err == nil
}

// --- 3. Enrollment helpers ---

// ParseIdentityFilename extracts the identity id and display name from "ID_Name[_suffix].ext".
func ParseIdentityFilename(path string) (id, name string, ok bool) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(base, "_")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// IsImageFile reports whether the path has an extension the enrollment step accepts.
func IsImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// FmtHours renders a duration as "8h 05m" for reports.
func FmtHours(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %02dm", h, m)
}

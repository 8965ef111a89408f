package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
)

// Wire protocol, both directions: [uint32 big-endian length][body].
//
// Request body:  [op byte] ...
//
//	opDetect:  [jpeg]
//	opExtract: [x y w h int32] [jpeg]
//
// Response body: [status byte] ...
//
//	statusOK + detect:  [n uint32] n * ([x y w h int32] [score float32])
//	statusOK + extract: [dim uint32] dim * [float32]
//	statusError:        [len uint32] [message]
const (
	opDetect  byte = 1
	opExtract byte = 2

	statusOK    byte = 0
	statusError byte = 1

	maxResponse = 64 * 1024 * 1024
)

var (
	// ErrWorkerDead means the sidecar process is gone and must be restarted.
	ErrWorkerDead = errors.New("model worker is not running")
	// ErrTimeout means the sidecar did not answer within the configured read timeout.
	ErrTimeout = errors.New("model worker timed out")
)

// RemoteError is a logic error reported by a live worker (bad crop, model exception).
// The process is still usable after one of these.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return "python worker error: " + e.Msg
}

// Config describes how to launch the model sidecar.
type Config struct {
	Python             string
	Script             string
	DetectionThreshold float64
	ReadTimeout        time.Duration
	Debug              bool
}

func (c Config) args() []string {
	args := []string{"-u", c.Script}
	if c.DetectionThreshold > 0 {
		args = append(args, "--detection-threshold", strconv.FormatFloat(c.DetectionThreshold, 'f', -1, 64))
	}
	if c.Debug {
		args = append(args, "--debug")
	}
	return args
}

// PythonWorker is one running detector/recognizer sidecar.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration
}

// NewPythonWorker starts the sidecar. Results come back on FD 3 so stray prints on stdout
// can never corrupt the protocol.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	py := utils.NewSafeCommand(ctx, python, cfg.args()...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  cfg.ReadTimeout,
	}, nil
}

// Detect returns the face boxes found in the frame.
func (w *PythonWorker) Detect(frame types.Frame) ([]types.Region, error) {
	payload := make([]byte, 0, len(frame.JPEG)+1)
	payload = append(payload, opDetect)
	payload = append(payload, frame.JPEG...)

	body, err := w.roundTrip(payload)
	if err != nil {
		return nil, err
	}
	return decodeRegions(body)
}

// Extract returns the descriptor for one face region of the frame.
func (w *PythonWorker) Extract(frame types.Frame, region types.Region) ([]float32, error) {
	var buf bytes.Buffer
	buf.Grow(len(frame.JPEG) + 17)
	buf.WriteByte(opExtract)
	binary.Write(&buf, binary.BigEndian, [4]int32{int32(region.X), int32(region.Y), int32(region.W), int32(region.H)})
	buf.Write(frame.JPEG)

	body, err := w.roundTrip(buf.Bytes())
	if err != nil {
		return nil, err
	}
	return decodeDescriptor(body)
}

// roundTrip sends one request and returns the status-stripped response body.
func (w *PythonWorker) roundTrip(payload []byte) ([]byte, error) {
	if w.Timeout <= 0 {
		return w.readResponse(payload)
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := w.readResponse(payload)
		done <- result{body, err}
	}()

	timer := time.NewTimer(w.Timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.body, res.err
	case <-timer.C:
		// Killing the process unblocks the pending read
		w.kill()
		return nil, fmt.Errorf("worker %d: %w after %s", w.ID, ErrTimeout, w.Timeout)
	}
}

func (w *PythonWorker) readResponse(payload []byte) ([]byte, error) {
	if err := w.communicate(payload); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, fmt.Errorf("worker %d: %w: %v", w.ID, ErrWorkerDead, err)
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		// The rest of the stream cannot be framed any more
		return nil, fmt.Errorf("worker %d: %w: invalid response length %d", w.ID, ErrWorkerDead, respLen)
	}
	body := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, body); err != nil {
		return nil, fmt.Errorf("worker %d: %w: %v", w.ID, ErrWorkerDead, err)
	}

	switch body[0] {
	case statusOK:
		return body[1:], nil
	case statusError:
		r := bytes.NewReader(body[1:])
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, &RemoteError{Msg: "unreadable error message"}
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, &RemoteError{Msg: "truncated error message"}
		}
		return nil, &RemoteError{Msg: string(msg)}
	default:
		return nil, fmt.Errorf("worker %d: unknown status byte %d", w.ID, body[0])
	}
}

func (w *PythonWorker) communicate(payload []byte) error {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("worker %d: %w: %v", w.ID, ErrWorkerDead, err)
	}
	if _, err := w.Stdin.Write(payload); err != nil {
		return fmt.Errorf("worker %d: %w: %v", w.ID, ErrWorkerDead, err)
	}
	return nil
}

// regionSize is one encoded face: box [4]int32 and score float32.
const regionSize = 20

func decodeRegions(body []byte) ([]types.Region, error) {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("decoding face count: %w", err)
	}
	if uint64(n)*regionSize != uint64(r.Len()) {
		return nil, fmt.Errorf("face count %d does not match payload of %d bytes", n, r.Len())
	}
	regions := make([]types.Region, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		var score float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("decoding box %d: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("decoding score %d: %w", i, err)
		}
		regions = append(regions, types.Region{
			X: int(box[0]), Y: int(box[1]), W: int(box[2]), H: int(box[3]),
			Score: float64(score),
		})
	}
	return regions, nil
}

func decodeDescriptor(body []byte) ([]float32, error) {
	r := bytes.NewReader(body)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("decoding descriptor size: %w", err)
	}
	if uint64(dim)*4 != uint64(r.Len()) {
		return nil, fmt.Errorf("descriptor size %d does not match payload of %d bytes", dim, r.Len())
	}
	vec := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("decoding descriptor: %w", err)
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, errors.New("descriptor contains non-finite values")
		}
	}
	return vec, nil
}

func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// Close shuts the sidecar down and reaps it.
func (w *PythonWorker) Close() error {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil && w.Cmd.Process != nil {
		return w.Cmd.Wait()
	}
	return nil
}

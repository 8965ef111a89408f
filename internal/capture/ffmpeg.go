package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/utils"
)

// ErrReadTimeout means the source stopped delivering frames.
var ErrReadTimeout = errors.New("camera read timed out")

// Stream delivers encoded JPEG frames from one source.
type Stream interface {
	// Read blocks for the next frame.
	Read() ([]byte, error)
	// Close releases the source. Safe to call more than once and concurrently with Read.
	Close() error
}

// Opener connects to a camera target.
type Opener interface {
	Open(ctx context.Context, target string) (Stream, error)
}

// FFmpegOpener decodes any ffmpeg-readable target into an MJPEG pipe.
type FFmpegOpener struct {
	MaxWidth    int
	FPS         float64
	ReadTimeout time.Duration
}

type chunk struct {
	data []byte
	err  error
}

type ffmpegStream struct {
	cmd     *utils.SafeCommand
	frames  chan chunk
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func (o FFmpegOpener) Open(ctx context.Context, target string) (Stream, error) {
	cmd := utils.NewFFmpegCaptureCmd(ctx, target, o.MaxWidth, o.FPS)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg for %s: %w", target, err)
	}

	s := &ffmpegStream{
		cmd:     cmd,
		frames:  make(chan chunk, 1),
		timeout: o.ReadTimeout,
		done:    make(chan struct{}),
	}
	go s.scan(stdout)
	return s, nil
}

// scan splits stdout into JPEG frames until the pipe closes.
func (s *ffmpegStream) scan(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	scanner.Split(utils.SplitJpeg)
	for scanner.Scan() {
		frame := append([]byte(nil), scanner.Bytes()...)
		select {
		case s.frames <- chunk{data: frame}:
		case <-s.done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case s.frames <- chunk{err: err}:
	case <-s.done:
	}
}

func (s *ffmpegStream) Read() ([]byte, error) {
	var timeout <-chan time.Time
	if s.timeout > 0 {
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case c := <-s.frames:
		return c.data, c.err
	case <-timeout:
		s.Close()
		return nil, fmt.Errorf("%w after %s", ErrReadTimeout, s.timeout)
	case <-s.done:
		return nil, io.ErrClosedPipe
	}
}

func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		// Reap; the exit status of a killed decoder is not interesting
		go s.cmd.Wait()
	})
	return nil
}

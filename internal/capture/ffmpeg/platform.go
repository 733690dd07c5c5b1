// Package ffmpeg captures system audio with an ffmpeg child process.
//
// It is the local counterpart of the relay platform: instead of a browser
// handing over MediaRecorder fragments, ffmpeg reads a capture device (a
// PulseAudio monitor, an AVFoundation device, dshow, ...) and encodes to the
// requested container on stdout.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ncecere/tabscribe/backend/internal/capture"
	"github.com/ncecere/tabscribe/backend/internal/models"
)

const (
	DefaultBinary         = "ffmpeg"
	DefaultInputFormat    = "pulse"
	DefaultDeviceTemplate = "default"

	readBufferSize = 32 * 1024
	stopGrace      = 5 * time.Second
	stderrTail     = 2048
)

var ErrUnsupportedMimeType = errors.New("ffmpeg: unsupported mime type")

// Options configure the platform.
type Options struct {
	Binary      string
	InputFormat string
	// DeviceTemplate may reference {tab_id} and {tab_title}.
	DeviceTemplate string
	// Env is appended to the child's environment.
	Env    []string
	Logger *slog.Logger
}

// Platform implements capture.Platform.
type Platform struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Platform {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	if opts.InputFormat == "" {
		opts.InputFormat = DefaultInputFormat
	}
	if opts.DeviceTemplate == "" {
		opts.DeviceTemplate = DefaultDeviceTemplate
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Platform{opts: opts, logger: logger}
}

// Device expands the device template for tab.
func (p *Platform) Device(tab models.TabContext) string {
	r := strings.NewReplacer(
		"{tab_id}", strconv.Itoa(tab.ID),
		"{tab_title}", tab.Title,
	)
	return r.Replace(p.opts.DeviceTemplate)
}

func (p *Platform) Capture(ctx context.Context, tab models.TabContext) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(p.opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary %q not found: %w", p.opts.Binary, err)
	}
	device := p.Device(tab)
	if device == "" {
		return nil, fmt.Errorf("empty capture device for tab %d: %w", tab.ID, capture.ErrNoAudio)
	}
	s := &stream{platform: p, path: path, device: device}
	s.track = &track{stream: s}
	return s, nil
}

// Format describes how a mime type is produced by ffmpeg.
type Format struct {
	Muxer string
	Codec string
}

// FormatFor maps a recorder mime type to an ffmpeg muxer and codec.
func FormatFor(mimeType string) (Format, error) {
	base := strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = strings.TrimSpace(base[:idx])
	}
	switch base {
	case "audio/webm", "":
		return Format{Muxer: "webm", Codec: "libopus"}, nil
	case "audio/ogg":
		return Format{Muxer: "ogg", Codec: "libopus"}, nil
	case "audio/mpeg", "audio/mp3":
		return Format{Muxer: "mp3", Codec: "libmp3lame"}, nil
	case "audio/wav", "audio/x-wav", "audio/wave":
		return Format{Muxer: "wav", Codec: "pcm_s16le"}, nil
	case "audio/flac", "audio/x-flac":
		return Format{Muxer: "flac", Codec: "flac"}, nil
	default:
		return Format{}, fmt.Errorf("%w: %s", ErrUnsupportedMimeType, mimeType)
	}
}

// Args builds the ffmpeg command line that records device to stdout.
func Args(inputFormat, device string, format Format) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-f", inputFormat,
		"-i", device,
		"-vn",
		"-ac", "1",
		"-c:a", format.Codec,
		"-f", format.Muxer,
		"pipe:1",
	}
}

type stream struct {
	platform *Platform
	path     string
	device   string
	track    *track

	mu  sync.Mutex
	rec *recorder
}

func (s *stream) Tracks() []capture.Track { return []capture.Track{s.track} }

func (s *stream) NewRecorder(mimeType string) (capture.Recorder, error) {
	format, err := FormatFor(mimeType)
	if err != nil {
		return nil, err
	}
	rec := &recorder{
		stream: s,
		args:   Args(s.platform.opts.InputFormat, s.device, format),
		logger: s.platform.logger,
	}
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
	return rec, nil
}

// Passthrough is a no-op; capture devices here do not mute the source.
func (s *stream) Passthrough() (capture.Passthrough, error) { return nopPassthrough{}, nil }

type nopPassthrough struct{}

func (nopPassthrough) Close() error { return nil }

type track struct {
	stream *stream
}

func (t *track) Kind() string { return "audio" }

// Stop kills the child if it is still running.
func (t *track) Stop() {
	t.stream.mu.Lock()
	rec := t.stream.rec
	t.stream.mu.Unlock()
	if rec != nil {
		rec.kill()
	}
}

type recorder struct {
	stream *stream
	args   []string
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stopping bool
	exited   chan struct{}
}

func (r *recorder) Start(timeslice time.Duration, sink capture.RecorderSink) error {
	if timeslice <= 0 {
		timeslice = time.Second
	}
	cmd := exec.Command(r.stream.path, r.args...)
	cmd.Env = append(os.Environ(), r.stream.platform.opts.Env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return errors.New("ffmpeg: recorder already started")
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	r.cmd = cmd
	r.exited = make(chan struct{})
	r.logger.Debug("ffmpeg started", slog.Int("pid", cmd.Process.Pid), slog.String("args", strings.Join(r.args, " ")))

	go r.pump(stdout, stderr, timeslice, sink)
	return nil
}

// pump batches stdout into one fragment per timeslice and reports the exit.
func (r *recorder) pump(stdout io.Reader, stderr *tailBuffer, timeslice time.Duration, sink capture.RecorderSink) {
	var (
		mu      sync.Mutex
		pending []byte
	)
	flush := func() {
		mu.Lock()
		frag := pending
		pending = nil
		mu.Unlock()
		if len(frag) > 0 {
			sink.OnData(frag)
		}
	}

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, readBufferSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				mu.Lock()
				pending = append(pending, buf[:n]...)
				mu.Unlock()
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				readDone <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()
	var readErr error
loop:
	for {
		select {
		case <-ticker.C:
			flush()
		case readErr = <-readDone:
			break loop
		}
	}
	flush()

	waitErr := r.cmd.Wait()
	close(r.exited)

	r.mu.Lock()
	stopping := r.stopping
	r.mu.Unlock()

	switch {
	case stopping:
		sink.OnStop()
	case readErr != nil:
		sink.OnError(fmt.Errorf("read ffmpeg output: %w", readErr))
	case waitErr != nil:
		sink.OnError(fmt.Errorf("ffmpeg exited: %w: %s", waitErr, strings.TrimSpace(stderr.String())))
	default:
		sink.OnStop()
	}
}

// Stop interrupts ffmpeg so it finalizes the container. The remaining output
// and OnStop follow asynchronously; the child is killed if it lingers.
func (r *recorder) Stop() error {
	r.mu.Lock()
	cmd := r.cmd
	exited := r.exited
	already := r.stopping
	r.stopping = true
	r.mu.Unlock()
	if cmd == nil || already {
		return nil
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		r.logger.Debug("interrupt ffmpeg failed, killing", slog.String("error", err.Error()))
		_ = cmd.Process.Kill()
		return nil
	}
	go func() {
		select {
		case <-exited:
		case <-time.After(stopGrace):
			r.logger.Warn("ffmpeg did not exit after interrupt, killing")
			_ = cmd.Process.Kill()
		}
	}()
	return nil
}

func (r *recorder) kill() {
	r.mu.Lock()
	cmd := r.cmd
	exited := r.exited
	r.stopping = true
	r.mu.Unlock()
	if cmd == nil {
		return
	}
	select {
	case <-exited:
	default:
		_ = cmd.Process.Kill()
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

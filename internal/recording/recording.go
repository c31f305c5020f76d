// Package recording writes session audio to WAV files on disk.
//
// A recording follows one session's audio queue through a dedicated reader.
// Chunks the queue already retains from before the start timestamp are
// included, and new chunks keep streaming into a temporary file until Stop,
// which drops audio past the requested end, patches the WAV header and
// publishes the file atomically as "[<session id>]<start>-<end>.wav".
package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/internal/audioq"
	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/google/renameio/v2"
)

// readerID is the queue reader cursor owned by the recording worker.
const readerID = "recording"

var (
	// ErrNotRecording is returned by Stop when the session has no active
	// recording.
	ErrNotRecording = errors.New("session is not recording")
	// ErrAlreadyRecording is returned by Start when the session is already
	// being recorded.
	ErrAlreadyRecording = errors.New("session is already recording")
	// ErrClosed is returned by Start after the service has been closed.
	ErrClosed = errors.New("recording service is closed")
)

// Config controls a recording Service.
type Config struct {
	// Dir is the directory recordings are written to. It is created if
	// missing. Defaults to "recordings".
	Dir string
	// PullTimeout bounds how long the recording worker waits for new audio
	// before re-checking for shutdown. Defaults to 100ms.
	PullTimeout time.Duration
}

// Service records session audio from a queue into WAV files. All methods are
// safe for concurrent use.
type Service struct {
	queue       *audioq.Queue
	dir         string
	pullTimeout time.Duration

	mu     sync.Mutex
	active map[string]*recorder
	closed bool
}

// NewService creates the recordings directory and returns a ready Service.
func NewService(queue *audioq.Queue, cfg Config) (*Service, error) {
	if queue == nil {
		return nil, errors.New("recording service requires an audio queue")
	}
	if cfg.Dir == "" {
		cfg.Dir = "recordings"
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 100 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	return &Service{
		queue:       queue,
		dir:         cfg.Dir,
		pullTimeout: cfg.PullTimeout,
		active:      make(map[string]*recorder),
	}, nil
}

// Info describes a finished recording.
type Info struct {
	// Path is the published WAV file.
	Path string
	// Start and End bound the audio included in the file.
	Start time.Time
	End   time.Time
	// Bytes counts the PCM payload, excluding the WAV header.
	Bytes int64
	// Chunks counts the queue chunks written.
	Chunks int
}

// Start begins recording the session's audio. The queue reader is positioned
// at start, so history the queue still retains from before the call becomes
// part of the file.
func (s *Service) Start(sessionID string, spec audio.Spec, start time.Time) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	if start.IsZero() {
		start = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.active[sessionID]; ok {
		return fmt.Errorf("start recording %s: %w", sessionID, ErrAlreadyRecording)
	}

	file, err := os.CreateTemp(s.dir, ".rec-"+sessionID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp recording file: %w", err)
	}
	if _, err := file.Write(audio.WAVHeader(spec, 0)); err != nil {
		file.Close()
		os.Remove(file.Name())
		return fmt.Errorf("write recording header: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &recorder{
		svc:       s,
		sessionID: sessionID,
		spec:      spec,
		start:     start,
		file:      file,
		tmpPath:   file.Name(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.queue.RegisterReader(sessionID, readerID, start)
	s.active[sessionID] = r
	go r.run()

	slog.Info("recording started", "session_id", sessionID, "start", start)
	return nil
}

// Stop finalizes the session's recording. Audio with timestamps after end is
// dropped, the WAV header is patched and the file is published atomically.
// A zero end means now.
func (s *Service) Stop(sessionID string, end time.Time) (*Info, error) {
	if end.IsZero() {
		end = time.Now()
	}
	r := s.claim(sessionID)
	if r == nil {
		return nil, fmt.Errorf("stop recording %s: %w", sessionID, ErrNotRecording)
	}
	info, err := r.finish(end)
	if err != nil {
		return nil, fmt.Errorf("stop recording %s: %w", sessionID, err)
	}
	slog.Info("recording finished",
		"session_id", sessionID, "path", info.Path, "bytes", info.Bytes, "chunks", info.Chunks)
	return info, nil
}

// Discard aborts the session's recording and removes the partial file. It is
// a no-op when the session is not recording.
func (s *Service) Discard(sessionID string) error {
	r := s.claim(sessionID)
	if r == nil {
		return nil
	}
	r.cancel()
	<-r.done
	r.cleanup()
	slog.Info("recording discarded", "session_id", sessionID)
	return nil
}

// Active reports whether the session is currently being recorded.
func (s *Service) Active(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

// Close finalizes all active recordings and rejects further Starts.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := s.active
	s.active = make(map[string]*recorder)
	s.mu.Unlock()

	var errs []error
	for sessionID, r := range active {
		if _, err := r.finish(time.Now()); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sessionID, err))
		}
	}
	return errors.Join(errs...)
}

// claim removes and returns the session's recorder, or nil.
func (s *Service) claim(sessionID string) *recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.active[sessionID]
	if r != nil {
		delete(s.active, sessionID)
	}
	return r
}

// mark remembers where a chunk ended inside the temp file so a stop boundary
// in the past can be applied by truncation.
type mark struct {
	ts    time.Time
	end   time.Time
	bytes int64 // cumulative PCM bytes including this chunk
}

type recorder struct {
	svc       *Service
	sessionID string
	spec      audio.Spec
	start     time.Time
	file      *os.File
	tmpPath   string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Written by the worker goroutine, read only after done is closed.
	err     error
	written int64
	chunks  int
	marks   []mark
}

func (r *recorder) run() {
	defer close(r.done)
	for {
		item, ok := r.svc.queue.PullBlocking(r.ctx, r.sessionID, readerID, r.svc.pullTimeout)
		if !ok {
			if r.ctx.Err() != nil || !r.svc.queue.Has(r.sessionID) {
				return
			}
			continue
		}
		if err := r.write(item); err != nil {
			r.err = err
			slog.Error("recording write failed",
				"session_id", r.sessionID, "path", r.tmpPath, "error", err)
			return
		}
	}
}

func (r *recorder) write(item audioq.Item) error {
	n, err := r.file.Write(item.PCM)
	r.written += int64(n)
	if err != nil {
		return fmt.Errorf("write recording chunk: %w", err)
	}
	r.chunks++
	r.marks = append(r.marks, mark{ts: item.Timestamp, end: item.End(), bytes: r.written})
	return nil
}

// finish stops the worker, applies the end boundary and publishes the file.
func (r *recorder) finish(end time.Time) (*Info, error) {
	r.cancel()
	<-r.done
	if r.err != nil {
		r.cleanup()
		return nil, r.err
	}

	// The worker may not have caught up with the queue yet; drain what is
	// left up to the stop boundary.
	for _, item := range r.svc.queue.Pull(r.sessionID, readerID, time.Time{}, 0) {
		if item.Timestamp.After(end) {
			break
		}
		if err := r.write(item); err != nil {
			r.cleanup()
			return nil, err
		}
	}

	// Audio that slipped in past the boundary before the worker stopped is
	// cut off again.
	keep := len(r.marks)
	for keep > 0 && r.marks[keep-1].ts.After(end) {
		keep--
	}
	if keep < len(r.marks) {
		kept := int64(0)
		if keep > 0 {
			kept = r.marks[keep-1].bytes
		}
		if err := r.file.Truncate(int64(audio.WAVHeaderSize) + kept); err != nil {
			r.cleanup()
			return nil, fmt.Errorf("truncate recording: %w", err)
		}
		r.written = kept
		r.chunks = keep
		r.marks = r.marks[:keep]
	}

	last := r.start
	if len(r.marks) > 0 {
		last = r.marks[len(r.marks)-1].end
	}

	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		r.cleanup()
		return nil, fmt.Errorf("rewind recording: %w", err)
	}
	if _, err := r.file.Write(audio.WAVHeader(r.spec, int(r.written))); err != nil {
		r.cleanup()
		return nil, fmt.Errorf("patch recording header: %w", err)
	}
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		r.cleanup()
		return nil, fmt.Errorf("rewind recording: %w", err)
	}

	path := filepath.Join(r.svc.dir, fmt.Sprintf("[%s]%s-%s.wav", r.sessionID, stamp(r.start), stamp(last)))
	if err := r.publish(path); err != nil {
		r.cleanup()
		return nil, err
	}
	r.cleanup()

	return &Info{
		Path:   path,
		Start:  r.start,
		End:    last,
		Bytes:  r.written,
		Chunks: r.chunks,
	}, nil
}

// publish copies the finished temp file to its final name via an atomic
// replace, so readers never observe a half-written recording.
func (r *recorder) publish(path string) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending recording: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			slog.Debug("cleanup of pending recording failed", "path", path, "error", err)
		}
	}()
	if _, err := io.Copy(pending, r.file); err != nil {
		return fmt.Errorf("copy recording: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("publish recording: %w", err)
	}
	return nil
}

// cleanup releases the queue reader and the temp file.
func (r *recorder) cleanup() {
	r.svc.queue.RemoveReader(r.sessionID, readerID)
	if err := r.file.Close(); err != nil {
		slog.Warn("closing temp recording file", "session_id", r.sessionID, "error", err)
	}
	if err := os.Remove(r.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("removing temp recording file", "path", r.tmpPath, "error", err)
	}
}

// stamp renders a timestamp as YYYYMMDD.HHmmssff with centisecond precision.
func stamp(t time.Time) string {
	return t.Format("20060102.150405") + fmt.Sprintf("%02d", t.Nanosecond()/1e7)
}

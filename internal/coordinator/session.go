package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/asrhub/internal/fsm"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/MrWong99/asrhub/pkg/provider/vad"
)

// session is the coordinator's runtime record for one session. The machine
// and the timing fields are touched only from the effect loop; workers see
// the session through the atomic fields.
type session struct {
	id      string
	machine *fsm.Machine
	spec    audio.Spec
	norm    *audio.Normalizer

	// generation numbers recording rounds. Every teardown bumps it so
	// silence callbacks armed for an earlier round cannot close a later one.
	generation atomic.Int64

	// recording is set for the span between record_started and the round's
	// end; the VAD worker only arms the silence countdown while it holds.
	recording atomic.Bool

	recordingStart time.Time

	wakeWorker   *worker
	vadWorker    *worker
	streamWorker *worker
}

// worker is a cancellable goroutine handle.
type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *worker) stop() {
	if w == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (s *session) stopWakeWorker() {
	s.wakeWorker.stop()
	s.wakeWorker = nil
}

func (s *session) stopVADWorker() {
	s.vadWorker.stop()
	s.vadWorker = nil
}

func (s *session) stopStreamWorker() {
	s.streamWorker.stop()
	s.streamWorker = nil
}

func (s *session) stopWorkers() {
	s.stopVADWorker()
	s.stopStreamWorker()
	s.stopWakeWorker()
}

// startWakeWorker launches the keyword detector loop for the session. It is
// a no-op when one is already running.
func (c *Coordinator) startWakeWorker(sess *session) {
	if sess.wakeWorker != nil {
		return
	}
	c.queue.RegisterReader(sess.id, readerWake, time.Time{})
	ctx, cancel := context.WithCancel(c.ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	sess.wakeWorker = w
	go c.runWakeWorker(ctx, sess, w.done)
}

func (c *Coordinator) runWakeWorker(ctx context.Context, sess *session, done chan struct{}) {
	defer close(done)

	handle, err := c.wakeEng.NewSession(c.cfg.Wake)
	if err != nil {
		c.detectorFailed(sess.id, "wake", err)
		return
	}
	defer handle.Close()

	framer, err := audio.NewFramer(audio.FramerConfig{
		Mode:         audio.FrameFixed,
		Spec:         audio.Canonical(),
		FrameSamples: c.cfg.Wake.FrameSamples,
	})
	if err != nil {
		c.detectorFailed(sess.id, "wake", err)
		return
	}

	failures := 0
	for ctx.Err() == nil {
		item, ok := c.queue.PullBlocking(ctx, sess.id, readerWake, c.cfg.PullTimeout)
		if !ok {
			if ctx.Err() != nil || !c.queue.Has(sess.id) {
				return
			}
			continue
		}
		framer.Write(item.PCM)
		for _, frame := range framer.Frames() {
			dets, err := handle.ProcessFrame(frame)
			if err != nil {
				failures++
				if failures >= maxDetectorErrors {
					c.detectorFailed(sess.id, "wake", err)
					return
				}
				continue
			}
			failures = 0
			for _, d := range dets {
				c.store.Dispatch(store.NewAction(store.KindWakeActivated, sess.id, store.WakePayload{
					Keyword: d.Keyword,
					Score:   d.Score,
				}).WithSource(store.SourceKeyword + ":" + d.Keyword))
			}
		}
	}
}

// startVADWorker launches the voice-activity loop reading from the wake
// moment on. It is a no-op when one is already running.
func (c *Coordinator) startVADWorker(sess *session, from time.Time) {
	if sess.vadWorker != nil {
		return
	}
	c.queue.RegisterReader(sess.id, readerVAD, from)
	ctx, cancel := context.WithCancel(c.ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	sess.vadWorker = w
	go c.runVADWorker(ctx, sess, w.done)
}

func (c *Coordinator) runVADWorker(ctx context.Context, sess *session, done chan struct{}) {
	defer close(done)

	handle, err := c.vadEng.NewSession(c.cfg.VAD)
	if err != nil {
		c.detectorFailed(sess.id, "vad", err)
		return
	}
	defer handle.Close()

	framer, err := audio.NewFramer(audio.FramerConfig{
		Mode:         audio.FrameFixed,
		Spec:         audio.Canonical(),
		FrameSamples: c.cfg.VAD.FrameSamples,
	})
	if err != nil {
		c.detectorFailed(sess.id, "vad", err)
		return
	}

	failures := 0
	for ctx.Err() == nil {
		item, ok := c.queue.PullBlocking(ctx, sess.id, readerVAD, c.cfg.PullTimeout)
		if !ok {
			if ctx.Err() != nil || !c.queue.Has(sess.id) {
				return
			}
			continue
		}
		framer.Write(item.PCM)
		for _, frame := range framer.Frames() {
			ev, err := handle.ProcessFrame(frame)
			if err != nil {
				failures++
				if failures >= maxDetectorErrors {
					c.detectorFailed(sess.id, "vad", err)
					return
				}
				continue
			}
			failures = 0
			c.observeVAD(sess, ev)
		}
	}
}

// observeVAD translates one detector event into timer control. Speech
// cancels a pending countdown; silence while a recording is active arms one
// for the current generation.
func (c *Coordinator) observeVAD(sess *session, ev vad.VADEvent) {
	switch ev.Type {
	case vad.VADSpeechStart:
		c.timers.Stop(sess.id)
		c.store.Dispatch(store.NewAction(store.KindVADSpeechDetected, sess.id, store.VADPayload{
			Probability: ev.Probability,
		}).WithSource(store.SourceVAD))
	case vad.VADSpeechContinue:
		c.timers.Stop(sess.id)
	case vad.VADSpeechEnd, vad.VADSilence:
		if ev.Type == vad.VADSpeechEnd {
			c.store.Dispatch(store.NewAction(store.KindVADSilenceDetected, sess.id, store.VADPayload{
				Probability: ev.Probability,
			}).WithSource(store.SourceVAD))
		}
		if sess.recording.Load() && !c.timers.IsActive(sess.id) {
			gen := sess.generation.Load()
			c.timers.StartCountdown(sess.id, c.cfg.SilenceWindow, func() {
				c.store.Dispatch(store.NewAction(store.KindSilenceTimeout, sess.id, store.SilenceTimeoutPayload{
					At:         time.Now(),
					Generation: gen,
				}).WithSource(store.SourceVAD))
			})
		}
	}
}

// startStreamWorker launches the continuous-recognition loop for streaming
// sessions: it holds one pool lease for the worker's lifetime, feeds queue
// audio from the wake moment into the stream and forwards committed
// utterances as transcribe_done actions.
func (c *Coordinator) startStreamWorker(sess *session, from time.Time) {
	if sess.streamWorker != nil {
		return
	}
	if from.IsZero() {
		from = time.Now()
	}
	c.queue.RegisterReader(sess.id, readerStream, from)
	ctx, cancel := context.WithCancel(c.ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	sess.streamWorker = w
	go c.runStreamWorker(ctx, sess, w.done)
}

func (c *Coordinator) runStreamWorker(ctx context.Context, sess *session, done chan struct{}) {
	defer close(done)

	lease, err := c.pool.Lease(ctx, sess.id)
	if err != nil {
		c.store.Dispatch(store.NewAction(store.KindErrorRaised, sess.id, store.ErrorPayload{
			Code:    store.ErrCodeTimeout,
			Message: "cannot lease provider for stream: " + err.Error(),
		}))
		return
	}
	defer lease.Release()

	stream, err := asr.OpenStream(ctx, lease.Provider(), audio.Canonical())
	if err != nil {
		c.store.Dispatch(store.NewAction(store.KindErrorRaised, sess.id, store.ErrorPayload{
			Code:    store.ErrCodeAudio,
			Message: "cannot open recognition stream: " + err.Error(),
		}))
		return
	}
	c.store.Dispatch(store.NewAction(store.KindASRStreamStarted, sess.id, nil))

	var fwd sync.WaitGroup
	fwd.Add(1)
	go func() {
		defer fwd.Done()
		for res := range stream.Results() {
			c.store.Dispatch(store.NewAction(store.KindTranscribeDone, sess.id, store.TranscribeDonePayload{
				Result: &store.Transcription{
					Text:       res.Text,
					Language:   res.Language,
					Duration:   res.Duration,
					Confidence: res.Confidence,
					Provider:   res.Provider,
					At:         time.Now(),
				},
			}))
		}
	}()

	for ctx.Err() == nil {
		item, ok := c.queue.PullBlocking(ctx, sess.id, readerStream, c.cfg.PullTimeout)
		if !ok {
			if ctx.Err() != nil || !c.queue.Has(sess.id) {
				break
			}
			continue
		}
		if err := stream.SendAudio(item.PCM); err != nil {
			slog.Warn("stream send failed", "session_id", sess.id, "error", err)
			break
		}
	}

	if err := stream.Close(); err != nil {
		slog.Warn("closing recognition stream", "session_id", sess.id, "error", err)
	}
	fwd.Wait()
	c.store.Dispatch(store.NewAction(store.KindASRStreamStopped, sess.id, nil))
}

// detectorFailed gives up on a detector worker and surfaces the cause.
func (c *Coordinator) detectorFailed(sessionID, detector string, err error) {
	slog.Error("detector worker stopped", "session_id", sessionID, "detector", detector, "error", err)
	c.store.Dispatch(store.NewAction(store.KindErrorRaised, sessionID, store.ErrorPayload{
		Code:    store.ErrCodeDetection,
		Message: detector + " detector failed: " + err.Error(),
	}))
}

// Package coordinator runs the per-session effects behind the action store.
//
// One effect goroutine consumes the store's change stream and drives each
// session's state machine: it reacts to ingest, wake and VAD signals, starts
// and stops recordings, arms the silence countdown and hands finished audio
// to the provider pool. All side effects live here; reducers stay pure and
// transports only dispatch actions and read state.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/asrhub/internal/audioq"
	"github.com/MrWong99/asrhub/internal/fsm"
	"github.com/MrWong99/asrhub/internal/pool"
	"github.com/MrWong99/asrhub/internal/recording"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/timer"
	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/provider/asr"
	"github.com/MrWong99/asrhub/pkg/provider/vad"
	"github.com/MrWong99/asrhub/pkg/provider/wake"
)

// Queue reader cursors owned by the coordinator's workers.
const (
	readerWake   = "wake_word"
	readerVAD    = "vad"
	readerStream = "asr_stream"
)

// maxDetectorErrors is the consecutive-failure budget of a detector worker
// before it gives up on the session.
const maxDetectorErrors = 10

// Config holds the coordinator's timing and detector knobs.
type Config struct {
	// PreRoll is how much audio before the wake moment a recording includes.
	PreRoll time.Duration

	// TailPadding extends a recording past the declared silence moment.
	TailPadding time.Duration

	// SilenceWindow is how long sustained silence must last before a
	// recording is stopped. Zero arms an immediate countdown, stopping the
	// recording on the first silence frame. Negative values are clamped
	// to zero.
	SilenceWindow time.Duration

	// ChunkDuration is assumed for chunks whose byte length yields no play
	// time. Default: 100ms.
	ChunkDuration time.Duration

	// VAD configures detector sessions created for recording rounds.
	// Zero-value fields use the engine defaults.
	VAD vad.Config

	// Wake configures wake-word sessions. Zero-value fields use the engine
	// defaults.
	Wake wake.Config

	// PullTimeout bounds how long detector workers wait for new audio
	// before re-checking for shutdown. Default: 100ms.
	PullTimeout time.Duration

	// ExpirySweep is the interval between idle-session scans. Default: 30s.
	ExpirySweep time.Duration
}

func (c *Config) applyDefaults() {
	if c.SilenceWindow < 0 {
		c.SilenceWindow = 0
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 100 * time.Millisecond
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 100 * time.Millisecond
	}
	if c.ExpirySweep <= 0 {
		c.ExpirySweep = 30 * time.Second
	}
	if c.VAD.SampleRate == 0 {
		c.VAD.SampleRate = audio.Canonical().SampleRate
	}
	if c.VAD.FrameSamples == 0 {
		c.VAD.FrameSamples = vad.DefaultFrameSamples
	}
	if c.Wake.SampleRate == 0 {
		c.Wake.SampleRate = audio.Canonical().SampleRate
	}
	if c.Wake.FrameSamples == 0 {
		c.Wake.FrameSamples = wake.DefaultFrameSamples
	}
}

// Coordinator owns the effect loop and all per-session workers.
type Coordinator struct {
	cfg     Config
	store   *store.Store
	queue   *audioq.Queue
	timers  *timer.Service
	rec     *recording.Service
	pool    *pool.Pool
	wakeEng wake.Engine
	vadEng  vad.Engine

	sub      *store.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopDone chan struct{}

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds the coordinator and starts its effect loop and expiry sweeper.
// Callers must Close it when done.
func New(cfg Config, st *store.Store, queue *audioq.Queue, timers *timer.Service,
	rec *recording.Service, providers *pool.Pool, wakeEng wake.Engine, vadEng vad.Engine) *Coordinator {

	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		store:    st,
		queue:    queue,
		timers:   timers,
		rec:      rec,
		pool:     providers,
		wakeEng:  wakeEng,
		vadEng:   vadEng,
		sub:      st.Subscribe("coordinator", 1024),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		sessions: make(map[string]*session),
	}
	c.wg.Add(2)
	go c.loop()
	go c.sweep()
	return c
}

// Close stops the effect loop, all session workers and any in-flight
// transcriptions' bookkeeping. It blocks until everything has drained.
func (c *Coordinator) Close() {
	c.cancel()
	c.sub.Close()

	// Worker pointers are loop-confined; the loop must be fully drained
	// before anyone else touches them.
	<-c.loopDone

	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.mu.Unlock()
	for _, sess := range sessions {
		sess.stopWorkers()
	}

	c.wg.Wait()
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	defer close(c.loopDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case change := <-c.sub.C():
			c.handle(change.Action)
		}
	}
}

// sweep periodically expires idle sessions. Expiry is an action like any
// other; the reducer removes the record and the effect tears down workers.
func (c *Coordinator) sweep() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ExpirySweep)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range c.store.State().ExpiredSessions(time.Now()) {
				slog.Info("session expired", "session_id", id)
				c.store.Dispatch(store.NewAction(store.KindSessionExpired, id, nil).WithSource(store.SourceSystem))
			}
		}
	}
}

// handle routes one action to its effect. A panic in an effect poisons only
// the one session, not the loop.
func (c *Coordinator) handle(a store.Action) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("coordinator effect panicked",
				"kind", a.Kind, "session_id", a.SessionID, "panic", r)
			if a.Kind != store.KindErrorOccurred {
				c.store.Dispatch(store.NewAction(store.KindErrorOccurred, a.SessionID, store.ErrorPayload{
					Code:    store.ErrCodeSession,
					Message: "internal coordinator failure",
				}))
			}
		}
	}()

	switch a.Kind {
	case store.KindCreateSession:
		c.handleCreate(a)
	case store.KindStartListening:
		c.handleStartListening(a)
	case store.KindReceiveAudioChunk:
		c.handleChunk(a)
	case store.KindWakeActivated:
		c.handleWake(a)
	case store.KindWakeDeactivated:
		c.handleWakeDeactivated(a)
	case store.KindSilenceTimeout:
		c.handleSilenceTimeout(a)
	case store.KindTranscribeDone:
		c.handleTranscribeDone(a)
	case store.KindUploadStarted:
		c.handleUploadStarted(a)
	case store.KindUploadCompleted:
		c.handleUploadCompleted(a)
	case store.KindASRStreamStarted:
		c.triggerAndMirror(a.SessionID, fsm.EventStreamStarted)
	case store.KindASRStreamStopped:
		c.triggerAndMirror(a.SessionID, fsm.EventStreamStopped)
	case store.KindPlayASRFeedback:
		c.triggerAndMirror(a.SessionID, fsm.EventPlayFeedback)
	case store.KindFeedbackFinished:
		c.triggerAndMirror(a.SessionID, fsm.EventFeedbackFinished)
	case store.KindResetSession:
		c.handleReset(a)
	case store.KindDeleteSession, store.KindSessionExpired:
		c.handleRemove(a)
	case store.KindErrorOccurred:
		c.handleErrorOccurred(a)
	}
}

func (c *Coordinator) lookup(sessionID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

// mirror publishes the session's FSM state into the store record.
func (c *Coordinator) mirror(sess *session) {
	c.store.Dispatch(store.NewAction(store.KindFSMStateChanged, sess.id, store.FSMStateChangedPayload{
		State: sess.machine.State(),
	}))
}

// triggerAndMirror applies ev to the session's machine when legal. Illegal
// events are silently ignored; that is the FSM guard transports rely on.
func (c *Coordinator) triggerAndMirror(sessionID string, ev fsm.Event) {
	sess := c.lookup(sessionID)
	if sess == nil {
		return
	}
	if sess.machine.Trigger(ev) {
		c.mirror(sess)
	}
}

func (c *Coordinator) handleCreate(a store.Action) {
	p, ok := a.Payload.(store.CreateSessionPayload)
	if !ok || a.SessionID == "" {
		return
	}
	machine, err := fsm.New(p.Strategy)
	if err != nil {
		c.store.Dispatch(store.NewAction(store.KindErrorRaised, a.SessionID, store.ErrorPayload{
			Code:    store.ErrCodeConfig,
			Message: err.Error(),
		}))
		return
	}

	c.mu.Lock()
	if _, exists := c.sessions[a.SessionID]; exists {
		c.mu.Unlock()
		return
	}
	c.sessions[a.SessionID] = &session{id: a.SessionID, machine: machine}
	c.mu.Unlock()

	slog.Info("session created",
		"session_id", a.SessionID,
		"request_id", a.RequestID,
		"strategy", p.Strategy)
}

func (c *Coordinator) handleStartListening(a store.Action) {
	sess := c.lookup(a.SessionID)
	if sess == nil {
		return
	}
	p, ok := a.Payload.(store.StartListeningPayload)
	if !ok {
		return
	}
	c.beginListening(sess, p.Spec)
}

// beginListening declares the session's ingest format and moves the machine
// out of idle. For wake-driven strategies it also starts the wake worker.
func (c *Coordinator) beginListening(sess *session, spec audio.Spec) {
	if err := spec.Validate(); err != nil {
		c.store.Dispatch(store.NewAction(store.KindErrorRaised, sess.id, store.ErrorPayload{
			Code:    store.ErrCodeAudio,
			Message: "invalid audio format: " + err.Error(),
		}))
		return
	}
	sess.spec = spec
	sess.norm = &audio.Normalizer{Target: audio.Canonical()}

	if sess.machine.Trigger(fsm.EventStartListening) {
		c.mirror(sess)
	}
	if sess.machine.Strategy() != fsm.StrategyBatch {
		c.startWakeWorker(sess)
	}
	slog.Info("listening started", "session_id", sess.id, "spec", spec.String())
}

func (c *Coordinator) handleChunk(a store.Action) {
	sess := c.lookup(a.SessionID)
	if sess == nil {
		return
	}
	p, ok := a.Payload.(store.AudioChunkPayload)
	if !ok {
		return
	}

	// A chunk arriving before start_listening implies it: the chunk's own
	// declared format becomes the session format.
	if sess.norm == nil {
		c.beginListening(sess, p.Spec)
		if sess.norm == nil {
			return
		}
	}

	pcm, err := sess.norm.Normalize(p.PCM, p.Spec)
	if err != nil {
		c.store.Dispatch(store.NewAction(store.KindErrorRaised, sess.id, store.ErrorPayload{
			Code:    store.ErrCodeAudio,
			Message: "dropping chunk: " + err.Error(),
		}))
		return
	}
	if len(pcm) == 0 {
		return
	}
	dur := audio.Canonical().Duration(len(pcm))
	if dur <= 0 {
		dur = c.cfg.ChunkDuration
	}
	c.queue.Push(sess.id, pcm, dur)
}

// handleWake reacts to a wake signal from the keyword worker or a transport.
// From processing it activates the session; from an already-activated
// session it begins the next recording round. Anything else (recording,
// transcribing, busy, idle) ignores the wake.
func (c *Coordinator) handleWake(a store.Action) {
	sess := c.lookup(a.SessionID)
	if sess == nil {
		return
	}

	switch {
	case sess.machine.May(fsm.EventWakeActivated):
		sess.machine.Trigger(fsm.EventWakeActivated)
		c.mirror(sess)
		slog.Info("wake activated", "session_id", sess.id, "source", a.Source)
		if sess.machine.Strategy() == fsm.StrategyStreaming {
			c.startStreamWorker(sess, a.Time)
		} else {
			c.startRound(sess, a.Time)
		}
	case sess.machine.State() == fsm.StateActivated &&
		sess.machine.Strategy() == fsm.StrategyNonStreaming &&
		!sess.recording.Load():
		c.startRound(sess, a.Time)
	default:
		slog.Debug("wake ignored",
			"session_id", sess.id,
			"state", sess.machine.State(),
			"source", a.Source)
	}
}

// startRound begins one wake -> record -> transcribe cycle. The recording
// reader is positioned preRoll before the wake moment so history the queue
// still retains becomes part of the file, and the wake reader is resynced to
// the wake moment so the triggering audio cannot fire again.
func (c *Coordinator) startRound(sess *session, tWake time.Time) {
	if tWake.IsZero() {
		tWake = time.Now()
	}
	c.queue.RegisterReader(sess.id, readerWake, tWake)

	start := tWake.Add(-c.cfg.PreRoll)
	if err := c.rec.Start(sess.id, audio.Canonical(), start); err != nil {
		c.store.Dispatch(store.NewAction(store.KindErrorRaised, sess.id, store.ErrorPayload{
			Code:    store.ErrCodeAudio,
			Message: "cannot start recording: " + err.Error(),
		}))
		return
	}
	sess.recordingStart = start
	sess.generation.Add(1)
	sess.recording.Store(true)

	if sess.machine.Trigger(fsm.EventRecordStarted) {
		c.mirror(sess)
	}
	c.store.Dispatch(store.NewAction(store.KindRecordStarted, sess.id, store.RecordPayload{Start: start}))
	c.startVADWorker(sess, tWake)
}

// handleSilenceTimeout closes the current recording round. Stale callbacks
// (armed for an earlier round, or arriving after reset) fail the generation
// or FSM guard and do nothing.
func (c *Coordinator) handleSilenceTimeout(a store.Action) {
	sess := c.lookup(a.SessionID)
	if sess == nil {
		return
	}
	p, ok := a.Payload.(store.SilenceTimeoutPayload)
	if !ok {
		return
	}
	if p.Generation != sess.generation.Load() || !sess.machine.May(fsm.EventRecordStopped) {
		slog.Debug("stale silence timeout ignored",
			"session_id", sess.id,
			"generation", p.Generation,
			"state", sess.machine.State())
		return
	}

	end := p.At.Add(c.cfg.TailPadding)
	sess.recording.Store(false)

	rp := store.RecordPayload{Start: sess.recordingStart, End: end}
	info, err := c.rec.Stop(sess.id, end)
	if err != nil {
		c.store.Dispatch(store.NewAction(store.KindErrorRaised, sess.id, store.ErrorPayload{
			Code:    store.ErrCodeAudio,
			Message: "cannot finalize recording: " + err.Error(),
		}))
	} else {
		rp.Path = info.Path
		rp.Chunks = info.Chunks
	}
	items := c.queue.GetBetween(sess.id, sess.recordingStart, end)

	sess.machine.Trigger(fsm.EventRecordStopped)
	c.mirror(sess)
	c.store.Dispatch(store.NewAction(store.KindRecordStopped, sess.id, rp))
	c.store.Dispatch(store.NewAction(store.KindTranscribeStarted, sess.id, nil))

	c.wg.Add(1)
	go c.transcribe(sess.id, rp.Path, items)
}

func (c *Coordinator) handleTranscribeDone(a store.Action) {
	sess := c.lookup(a.SessionID)
	if sess == nil {
		return
	}
	if sess.machine.Trigger(fsm.EventTranscribeDone) {
		c.mirror(sess)
	}

	// Cleanup for the next round: the session stays activated, the queue is
	// emptied and the wake worker (still running) starts from a clean slate.
	if sess.machine.Strategy() == fsm.StrategyNonStreaming && sess.machine.State() == fsm.StateActivated {
		c.timers.Stop(sess.id)
		c.queue.Clear(sess.id)
		c.queue.RegisterReader(sess.id, readerWake, time.Now())
	}
}

func (c *Coordinator) handleUploadStarted(a store.Action) {
	c.triggerAndMirror(a.SessionID, fsm.EventUploadStarted)
}

// handleUploadCompleted drains everything the queue ingested for a batch
// session and runs one transcription over it.
func (c *Coordinator) handleUploadCompleted(a store.Action) {
	sess := c.lookup(a.SessionID)
	if sess == nil {
		return
	}
	if !sess.machine.May(fsm.EventUploadCompleted) {
		slog.Debug("upload_completed ignored", "session_id", sess.id, "state", sess.machine.State())
		return
	}
	sess.machine.Trigger(fsm.EventUploadCompleted)
	c.mirror(sess)

	items := c.queue.GetBetween(sess.id, time.Time{}, time.Time{})
	c.queue.Clear(sess.id)
	c.store.Dispatch(store.NewAction(store.KindTranscribeStarted, sess.id, nil))

	c.wg.Add(1)
	go c.transcribe(sess.id, "", items)
}

func (c *Coordinator) handleWakeDeactivated(a store.Action) {
	sess := c.lookup(a.SessionID)
	if sess == nil {
		return
	}
	if !sess.machine.May(fsm.EventWakeDeactivated) {
		slog.Debug("wake_deactivated ignored", "session_id", sess.id, "state", sess.machine.State())
		return
	}
	sess.machine.Trigger(fsm.EventWakeDeactivated)
	c.mirror(sess)
	slog.Info("wake deactivated", "session_id", sess.id, "source", a.Source)
	c.teardownRound(sess)
	c.queue.Clear(sess.id)
}

func (c *Coordinator) handleReset(a store.Action) {
	sess := c.lookup(a.SessionID)
	if sess == nil {
		return
	}
	sess.machine.Trigger(fsm.EventResetSession)
	c.mirror(sess)
	slog.Info("session reset", "session_id", sess.id)
	c.teardownRound(sess)
	sess.stopWakeWorker()
	sess.norm = nil
	c.queue.Clear(sess.id)
}

func (c *Coordinator) handleRemove(a store.Action) {
	c.mu.Lock()
	sess := c.sessions[a.SessionID]
	delete(c.sessions, a.SessionID)
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.teardownRound(sess)
	sess.stopWakeWorker()
	c.queue.Remove(sess.id)
	slog.Info("session removed", "session_id", sess.id, "kind", a.Kind)
}

func (c *Coordinator) handleErrorOccurred(a store.Action) {
	sess := c.lookup(a.SessionID)
	if sess == nil {
		return
	}
	sess.machine.Trigger(fsm.EventErrorOccurred)
	c.mirror(sess)
	c.teardownRound(sess)
}

// teardownRound aborts any active recording round and the detector/stream
// workers attached to it. The wake worker is left alone; sessions keep
// listening for their keyword unless reset or removed.
func (c *Coordinator) teardownRound(sess *session) {
	c.timers.Stop(sess.id)
	sess.generation.Add(1)
	sess.recording.Store(false)
	sess.stopVADWorker()
	sess.stopStreamWorker()
	if c.rec.Active(sess.id) {
		if err := c.rec.Discard(sess.id); err != nil {
			slog.Warn("discarding recording failed", "session_id", sess.id, "error", err)
		}
	}
}

// transcribe runs one utterance through a pooled provider and reports the
// outcome as transcribe_done. A lease failure or backend error yields a nil
// result plus an error_raised action.
func (c *Coordinator) transcribe(sessionID, path string, items []audioq.Item) {
	defer c.wg.Done()

	var result *asr.Result
	err := c.pool.WithLease(c.ctx, sessionID, func(l *pool.Lease) error {
		var err error
		if path != "" {
			result, err = l.TranscribeFile(c.ctx, path)
		} else {
			result, err = l.Transcribe(c.ctx, combinePCM(items), audio.Canonical())
		}
		return err
	})
	if err != nil {
		code := store.ErrCodeAudio
		if errors.Is(err, pool.ErrLeaseTimeout) || errors.Is(err, pool.ErrClosed) {
			code = store.ErrCodeTimeout
		}
		slog.Warn("transcription failed", "session_id", sessionID, "error", err)
		c.store.Dispatch(store.NewAction(store.KindTranscribeDone, sessionID, store.TranscribeDonePayload{
			Error: err.Error(),
		}))
		c.store.Dispatch(store.NewAction(store.KindErrorRaised, sessionID, store.ErrorPayload{
			Code:    code,
			Message: "transcription failed: " + err.Error(),
		}))
		return
	}

	slog.Info("transcription done",
		"session_id", sessionID,
		"provider", result.Provider,
		"chars", len(result.Text))
	c.store.Dispatch(store.NewAction(store.KindTranscribeDone, sessionID, store.TranscribeDonePayload{
		Result: &store.Transcription{
			Text:       result.Text,
			Language:   result.Language,
			Duration:   result.Duration,
			Confidence: result.Confidence,
			Provider:   result.Provider,
			At:         time.Now(),
		},
	}))
}

func combinePCM(items []audioq.Item) []byte {
	total := 0
	for _, it := range items {
		total += len(it.PCM)
	}
	out := make([]byte, 0, total)
	for _, it := range items {
		out = append(out, it.PCM...)
	}
	return out
}

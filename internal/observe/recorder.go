package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/asrhub/internal/store"
)

// Recorder feeds the action stream into [Metrics]. It keeps the pipeline
// packages free of instrumentation: everything observable already flows
// through the store, so one subscriber covers all transports and workers.
type Recorder struct {
	m        *Metrics
	sub      *store.Subscription
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRecorder subscribes to st and starts recording. Close releases the
// subscription.
func NewRecorder(st *store.Store, m *Metrics) *Recorder {
	r := &Recorder{
		m:   m,
		sub: st.Subscribe("observe-recorder", 1024),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-r.sub.Done():
			return
		case ch := <-r.sub.C():
			r.record(ctx, ch)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ch store.Change) {
	a := ch.Action
	switch a.Kind {
	case store.KindCreateSession:
		strategy := ""
		if p, ok := a.Payload.(store.CreateSessionPayload); ok {
			strategy = string(p.Strategy)
		}
		r.m.SessionsCreated.Add(ctx, 1,
			metric.WithAttributes(attribute.String("strategy", strategy)))
		r.m.ActiveSessions.Add(ctx, 1)

	case store.KindSessionExpired:
		r.m.SessionsExpired.Add(ctx, 1)
		r.m.ActiveSessions.Add(ctx, -1)

	case store.KindDeleteSession:
		// Only count sessions that actually existed.
		if _, ok := ch.Prev.Session(a.SessionID); ok {
			r.m.ActiveSessions.Add(ctx, -1)
		}

	case store.KindReceiveAudioChunk:
		if p, ok := a.Payload.(store.AudioChunkPayload); ok {
			r.m.RecordChunk(ctx, len(p.PCM))
		}

	case store.KindWakeActivated:
		r.m.RecordWake(ctx, a.Source)

	case store.KindRecordStarted:
		r.m.ActiveRecordings.Add(ctx, 1)

	case store.KindRecordStopped:
		r.m.ActiveRecordings.Add(ctx, -1)
		if p, ok := a.Payload.(store.RecordPayload); ok && p.End.After(p.Start) {
			r.m.RecordingDuration.Record(ctx, p.End.Sub(p.Start).Seconds())
		}

	case store.KindTranscribeDone:
		if p, ok := a.Payload.(store.TranscribeDonePayload); ok {
			if p.Result != nil {
				r.m.RecordTranscription(ctx, p.Result.Provider, "ok", p.Result.Duration)
			} else {
				r.m.Transcriptions.Add(ctx, 1,
					metric.WithAttributes(
						attribute.String("provider", "unknown"),
						attribute.String("status", "error"),
					))
			}
		}

	case store.KindErrorRaised, store.KindErrorOccurred:
		if p, ok := a.Payload.(store.ErrorPayload); ok {
			r.m.RecordPipelineError(ctx, string(p.Code))
		}
	}
}

// Close detaches from the store and waits for the loop to drain.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		r.sub.Close()
		r.wg.Wait()
	})
}

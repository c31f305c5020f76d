package recording_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/asrhub/internal/audioq"
	"github.com/MrWong99/asrhub/internal/recording"
	"github.com/MrWong99/asrhub/pkg/audio"
)

// fakeClock is a manually advanced timestamp source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, q *audioq.Queue) (*recording.Service, string) {
	t.Helper()
	dir := t.TempDir()
	svc, err := recording.NewService(q, recording.Config{Dir: dir, PullTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, dir
}

// wantStamp mirrors the timestamp layout used in recording file names.
func wantStamp(ts time.Time) string {
	return ts.Format("20060102.150405") + fmt.Sprintf("%02d", ts.Nanosecond()/1e7)
}

func TestStartStopProducesWAV(t *testing.T) {
	q := audioq.New()
	svc, dir := newTestService(t, q)
	spec := audio.Canonical()

	// Chunks pushed before Start are still retained by the queue; a start
	// timestamp in the past must include them.
	start := time.Now().Add(-time.Second)
	chunks := [][]byte{
		bytes.Repeat([]byte{1}, 320),
		bytes.Repeat([]byte{2}, 320),
		bytes.Repeat([]byte{3}, 320),
	}
	var last time.Time
	for _, c := range chunks {
		ts := q.Push("s1", c, 10*time.Millisecond)
		last = ts.Add(10 * time.Millisecond)
	}

	if err := svc.Start("s1", spec, start); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.Active("s1") {
		t.Fatal("Active = false during recording")
	}

	info, err := svc.Stop("s1", time.Now())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if svc.Active("s1") {
		t.Error("Active = true after Stop")
	}

	wantName := fmt.Sprintf("[s1]%s-%s.wav", wantStamp(start), wantStamp(last))
	if got := filepath.Base(info.Path); got != wantName {
		t.Errorf("file name = %q, want %q", got, wantName)
	}
	if !info.Start.Equal(start) || !info.End.Equal(last) {
		t.Errorf("info bounds = %v..%v, want %v..%v", info.Start, info.End, start, last)
	}
	if info.Chunks != 3 || info.Bytes != 960 {
		t.Errorf("info = %d chunks / %d bytes, want 3 / 960", info.Chunks, info.Bytes)
	}

	data, err := os.ReadFile(info.Path)
	if err != nil {
		t.Fatalf("reading recording: %v", err)
	}
	pcm, gotSpec, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if gotSpec != spec {
		t.Errorf("decoded spec %v, want %v", gotSpec, spec)
	}
	if !bytes.Equal(pcm, bytes.Join(chunks, nil)) {
		t.Errorf("decoded PCM does not match the pushed chunks")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("recordings dir has %d entries, want only the final file", len(entries))
	}
}

func TestStopBoundaryExcludesLateAudio(t *testing.T) {
	clock := newFakeClock()
	q := audioq.New(audioq.WithClock(clock.Now))
	svc, _ := newTestService(t, q)
	spec := audio.Canonical()

	base := clock.Now()
	var stamps []time.Time
	for i := range 3 {
		clock.Advance(100 * time.Millisecond)
		stamps = append(stamps, q.Push("s1", bytes.Repeat([]byte{byte(i + 1)}, 320), 100*time.Millisecond))
	}

	if err := svc.Start("s1", spec, base); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Give the recorder time to write all three chunks so the earlier stop
	// boundary has to cut the file back.
	time.Sleep(100 * time.Millisecond)

	end := stamps[1].Add(50 * time.Millisecond)
	info, err := svc.Stop("s1", end)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if info.Chunks != 2 || info.Bytes != 640 {
		t.Fatalf("info = %d chunks / %d bytes, want 2 / 640", info.Chunks, info.Bytes)
	}
	if want := stamps[1].Add(100 * time.Millisecond); !info.End.Equal(want) {
		t.Errorf("info.End = %v, want %v", info.End, want)
	}

	data, err := os.ReadFile(info.Path)
	if err != nil {
		t.Fatal(err)
	}
	pcm, _, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	want := append(bytes.Repeat([]byte{1}, 320), bytes.Repeat([]byte{2}, 320)...)
	if !bytes.Equal(pcm, want) {
		t.Errorf("decoded PCM is %d bytes, want the first two chunks only", len(pcm))
	}
}

func TestAudioPushedAfterStartIsRecorded(t *testing.T) {
	q := audioq.New()
	svc, _ := newTestService(t, q)

	if err := svc.Start("s1", audio.Canonical(), time.Now()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	q.Push("s1", bytes.Repeat([]byte{5}, 640), 20*time.Millisecond)
	q.Push("s1", bytes.Repeat([]byte{6}, 640), 20*time.Millisecond)

	info, err := svc.Stop("s1", time.Now())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if info.Chunks != 2 || info.Bytes != 1280 {
		t.Errorf("info = %d chunks / %d bytes, want 2 / 1280", info.Chunks, info.Bytes)
	}
}

func TestDiscardRemovesFile(t *testing.T) {
	q := audioq.New()
	svc, dir := newTestService(t, q)

	q.Push("s1", bytes.Repeat([]byte{7}, 320), 10*time.Millisecond)
	if err := svc.Start("s1", audio.Canonical(), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Discard("s1"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if svc.Active("s1") {
		t.Error("Active = true after Discard")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("recordings dir has %d entries after discard, want 0", len(entries))
	}

	// Discarding again is a no-op.
	if err := svc.Discard("s1"); err != nil {
		t.Fatalf("second Discard: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	q := audioq.New()
	svc, _ := newTestService(t, q)

	if _, err := svc.Stop("missing", time.Now()); !errors.Is(err, recording.ErrNotRecording) {
		t.Fatalf("Stop error = %v, want ErrNotRecording", err)
	}
}

func TestStartTwice(t *testing.T) {
	q := audioq.New()
	svc, _ := newTestService(t, q)
	spec := audio.Canonical()

	if err := svc.Start("s1", spec, time.Now()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := svc.Start("s1", spec, time.Now()); !errors.Is(err, recording.ErrAlreadyRecording) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRecording", err)
	}
	if err := svc.Discard("s1"); err != nil {
		t.Fatal(err)
	}
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	q := audioq.New()
	svc, _ := newTestService(t, q)

	if err := svc.Start("s1", audio.Spec{}, time.Now()); err == nil {
		t.Fatal("Start accepted a zero spec")
	}
	if svc.Active("s1") {
		t.Error("Active = true after rejected Start")
	}
}

func TestServiceCloseFinalizesActive(t *testing.T) {
	q := audioq.New()
	svc, dir := newTestService(t, q)

	q.Push("s1", bytes.Repeat([]byte{9}, 320), 10*time.Millisecond)
	if err := svc.Start("s1", audio.Canonical(), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("found %d WAV files after Close, want 1", len(matches))
	}

	if err := svc.Start("s2", audio.Canonical(), time.Now()); !errors.Is(err, recording.ErrClosed) {
		t.Fatalf("Start after Close error = %v, want ErrClosed", err)
	}
	if _, err := svc.Stop("s1", time.Now()); !errors.Is(err, recording.ErrNotRecording) {
		t.Fatalf("Stop after Close error = %v, want ErrNotRecording", err)
	}
}

func TestEmptyRecording(t *testing.T) {
	q := audioq.New()
	svc, _ := newTestService(t, q)
	spec := audio.Canonical()

	start := time.Now()
	if err := svc.Start("s1", spec, start); err != nil {
		t.Fatalf("Start: %v", err)
	}
	info, err := svc.Stop("s1", time.Now())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if info.Bytes != 0 || info.Chunks != 0 {
		t.Errorf("info = %d bytes / %d chunks, want an empty recording", info.Bytes, info.Chunks)
	}
	if !info.End.Equal(start) {
		t.Errorf("info.End = %v, want the start timestamp %v", info.End, start)
	}

	data, err := os.ReadFile(info.Path)
	if err != nil {
		t.Fatal(err)
	}
	pcm, gotSpec, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV on empty recording: %v", err)
	}
	if len(pcm) != 0 || gotSpec != spec {
		t.Errorf("decoded %d bytes with spec %v, want empty PCM and %v", len(pcm), gotSpec, spec)
	}
}

func TestServiceCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out", "recordings")
	svc, err := recording.NewService(audioq.New(), recording.Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Close()

	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		t.Fatalf("recordings dir not created: %v", err)
	}
}

package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/asrhub/pkg/audio"
	"github.com/MrWong99/asrhub/pkg/provider/asr/whisper"
)

// inferenceRequest captures what the fake whisper-server received.
type inferenceRequest struct {
	filename string
	fileData []byte
	language string
	model    string
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing responseText and records each parsed request into out.
func newMockServer(t *testing.T, responseText string, out *[]inferenceRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var req inferenceRequest
		req.language = r.FormValue("language")
		req.model = r.FormValue("model")
		if f, hdr, err := r.FormFile("file"); err == nil {
			req.filename = hdr.Filename
			req.fileData, _ = io.ReadAll(f)
			f.Close()
		}
		if out != nil {
			*out = append(*out, req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
}

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_WithOptions_DoesNotError(t *testing.T) {
	c, err := whisper.New("http://localhost:8080",
		whisper.WithModel("small"),
		whisper.WithLanguage("de"),
		whisper.WithTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c == nil {
		t.Fatal("expected non-nil Client")
	}
	if got := c.Name(); got != "whisper" {
		t.Errorf("Name() = %q, want whisper", got)
	}
}

func TestTranscribe_PostsWAVAndParsesText(t *testing.T) {
	var reqs []inferenceRequest
	srv := newMockServer(t, "HELLO WORLD", &reqs)
	defer srv.Close()

	c, err := whisper.New(srv.URL, whisper.WithLanguage("en"), whisper.WithModel("base.en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	spec := audio.Canonical()
	pcm := make([]byte, spec.BytesFor(100*time.Millisecond))
	res, err := c.Transcribe(context.Background(), pcm, spec)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if res.Text != "HELLO WORLD" {
		t.Errorf("Text = %q, want HELLO WORLD", res.Text)
	}
	if res.Provider != "whisper" {
		t.Errorf("Provider = %q, want whisper", res.Provider)
	}
	if res.Duration != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", res.Duration)
	}

	if len(reqs) != 1 {
		t.Fatalf("server received %d requests, want 1", len(reqs))
	}
	got := reqs[0]
	if got.language != "en" {
		t.Errorf("language field = %q, want en", got.language)
	}
	if got.model != "base.en" {
		t.Errorf("model field = %q, want base.en", got.model)
	}
	if got.filename != "audio.wav" {
		t.Errorf("filename = %q, want audio.wav", got.filename)
	}
	if len(got.fileData) < 44 || string(got.fileData[:4]) != "RIFF" {
		t.Error("uploaded file is not a WAV container")
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := whisper.New(srv.URL)
	_, err := c.Transcribe(context.Background(), make([]byte, 320), audio.Canonical())
	if err == nil {
		t.Fatal("expected error for HTTP 500, got nil")
	}
}

func TestTranscribe_ContextCancelled(t *testing.T) {
	srv := newMockServer(t, "ignored", nil)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, _ := whisper.New(srv.URL)
	_, err := c.Transcribe(ctx, make([]byte, 320), audio.Canonical())
	if err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}

func TestTranscribeFile(t *testing.T) {
	var reqs []inferenceRequest
	srv := newMockServer(t, "FROM FILE", &reqs)
	defer srv.Close()

	spec := audio.Canonical()
	pcm := make([]byte, spec.BytesFor(250*time.Millisecond))
	wav, err := audio.EncodeWAV(pcm, spec)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	path := filepath.Join(t.TempDir(), "utterance.wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, _ := whisper.New(srv.URL)
	res, err := c.TranscribeFile(context.Background(), path)
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}

	if res.Text != "FROM FILE" {
		t.Errorf("Text = %q, want FROM FILE", res.Text)
	}
	if res.Duration != 250*time.Millisecond {
		t.Errorf("Duration = %v, want 250ms", res.Duration)
	}
	if len(reqs) != 1 || reqs[0].filename != "utterance.wav" {
		t.Errorf("server saw filename %q, want utterance.wav", reqs[0].filename)
	}
}

func TestTranscribeFile_MissingFile(t *testing.T) {
	c, _ := whisper.New("http://localhost:8080")
	_, err := c.TranscribeFile(context.Background(), filepath.Join(t.TempDir(), "nope.wav"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

package agent

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testDownloader() *Downloader {
	d := NewDownloader(nil)
	d.BaseBackoff = time.Millisecond
	return d
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	payload := make([]byte, n)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("random payload: %v", err)
	}
	return payload
}

// artifactServer serves payload with Range support and counts requests.
func artifactServer(t *testing.T, payload []byte, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		http.ServeContent(w, r, "image.bin", time.Time{}, bytes.NewReader(payload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadFull(t *testing.T) {
	payload := randomPayload(t, 10000)
	srv := artifactServer(t, payload, nil)
	dest := filepath.Join(t.TempDir(), "image.bin")

	var lastDone, lastTotal int64
	err := testDownloader().Download(context.Background(), srv.URL, dest, int64(len(payload)), func(done, total int64) {
		lastDone, lastTotal = done, total
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("downloaded bytes differ from payload")
	}
	if lastDone != int64(len(payload)) || lastTotal != int64(len(payload)) {
		t.Errorf("final progress %d/%d, expected %d/%d", lastDone, lastTotal, len(payload), len(payload))
	}
}

func TestDownloadResumesFromPartial(t *testing.T) {
	payload := randomPayload(t, 10000)
	const partial = 4000

	var gotRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange.Store(r.Header.Get("Range"))
		http.ServeContent(w, r, "image.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(dest, payload[:partial], 0644); err != nil {
		t.Fatalf("seed partial: %v", err)
	}

	if err := testDownloader().Download(context.Background(), srv.URL, dest, int64(len(payload)), nil); err != nil {
		t.Fatalf("download: %v", err)
	}

	if hdr, _ := gotRange.Load().(string); hdr != "bytes=4000-" {
		t.Errorf("expected Range header bytes=4000-, got %q", hdr)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, payload) {
		t.Error("resumed file differs from payload")
	}
}

func TestDownloadSkipsCompleteFile(t *testing.T) {
	payload := randomPayload(t, 2000)
	var hits atomic.Int64
	srv := artifactServer(t, payload, &hits)

	dest := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(dest, payload, 0644); err != nil {
		t.Fatalf("seed complete file: %v", err)
	}

	if err := testDownloader().Download(context.Background(), srv.URL, dest, int64(len(payload)), nil); err != nil {
		t.Fatalf("download: %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("expected no requests for a complete file, got %d", hits.Load())
	}
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	payload := randomPayload(t, 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain 200 with the full body regardless of any Range header.
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(dest, []byte("stale partial"), 0644); err != nil {
		t.Fatalf("seed partial: %v", err)
	}

	if err := testDownloader().Download(context.Background(), srv.URL, dest, int64(len(payload)), nil); err != nil {
		t.Fatalf("download: %v", err)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, payload) {
		t.Error("restarted file differs from payload")
	}
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "image.bin")
	err := testDownloader().Download(context.Background(), srv.URL, dest, 100, nil)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should carry the status: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("404 should not be retried, got %d requests", hits.Load())
	}
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	payload := randomPayload(t, 3000)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "image.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "image.bin")
	if err := testDownloader().Download(context.Background(), srv.URL, dest, int64(len(payload)), nil); err != nil {
		t.Fatalf("download: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected exactly one retry, got %d requests", hits.Load())
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, payload) {
		t.Error("file differs from payload after retry")
	}
}

func TestDownloadResumesAfterDroppedConnection(t *testing.T) {
	payload := randomPayload(t, 8000)
	const cut = 3000

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			// Advertise the full length, send a prefix, then drop.
			w.Header().Set("Content-Length", "8000")
			w.Write(payload[:cut])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		http.ServeContent(w, r, "image.bin", time.Time{}, bytes.NewReader(payload))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "image.bin")
	if err := testDownloader().Download(context.Background(), srv.URL, dest, int64(len(payload)), nil); err != nil {
		t.Fatalf("download: %v", err)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, payload) {
		t.Error("file differs from payload after resumed retry")
	}
}

func TestDownloadCancelKeepsPartial(t *testing.T) {
	payload := randomPayload(t, 6000)
	const sent = 2000
	served := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "6000")
		w.Write(payload[:sent])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(served)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-served
		cancel()
	}()

	dest := filepath.Join(t.TempDir(), "image.bin")
	err := testDownloader().Download(ctx, srv.URL, dest, int64(len(payload)), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	got, readErr := os.ReadFile(dest)
	if readErr != nil {
		t.Fatalf("partial file should survive cancellation: %v", readErr)
	}
	if len(got) == 0 || len(got) > sent {
		t.Errorf("partial has %d bytes, expected between 1 and %d", len(got), sent)
	}
	if !bytes.Equal(got, payload[:len(got)]) {
		t.Error("partial content is not a prefix of the payload")
	}
}

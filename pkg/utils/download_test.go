package utils

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func newFileServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/small/report.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("a"), 100))
	})
	mux.HandleFunc("/named", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="voice.ogg"`)
		w.Write([]byte("ogg"))
	})
	mux.HandleFunc("/announced", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(4096))
		w.Write(bytes.Repeat([]byte("b"), 4096))
	})
	mux.HandleFunc("/chunked", func(w http.ResponseWriter, r *http.Request) {
		// flushing before the body forces chunked encoding, so no length is known
		w.(http.Flusher).Flush()
		w.Write(bytes.Repeat([]byte("c"), 4096))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchSmallFile(t *testing.T) {
	srv := newFileServer(t)
	d := NewDownloader(DownloadOptions{MaxBytes: 1024})

	got, err := d.Fetch(context.Background(), srv.URL+"/small/report.pdf")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got.Data) != 100 {
		t.Errorf("size: got %d, want 100", len(got.Data))
	}
	if got.Name != "report.pdf" {
		t.Errorf("name: got %q, want report.pdf", got.Name)
	}
}

func TestFetchContentDispositionName(t *testing.T) {
	srv := newFileServer(t)
	d := NewDownloader(DownloadOptions{MaxBytes: 1024})

	got, err := d.Fetch(context.Background(), srv.URL+"/named")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Name != "voice.ogg" {
		t.Errorf("name: got %q, want voice.ogg", got.Name)
	}
}

func TestFetchRejectsAnnouncedOversize(t *testing.T) {
	srv := newFileServer(t)
	d := NewDownloader(DownloadOptions{MaxBytes: 1024})

	_, err := d.Fetch(context.Background(), srv.URL+"/announced")
	sizeErr, ok := IsSizeLimit(err)
	if !ok {
		t.Fatalf("expected SizeLimitError, got %v", err)
	}
	if !sizeErr.Exact || sizeErr.Size != 4096 {
		t.Errorf("size error: got %+v", sizeErr)
	}
}

func TestFetchRejectsStreamedOversize(t *testing.T) {
	srv := newFileServer(t)
	d := NewDownloader(DownloadOptions{MaxBytes: 1024})

	_, err := d.Fetch(context.Background(), srv.URL+"/chunked")
	sizeErr, ok := IsSizeLimit(err)
	if !ok {
		t.Fatalf("expected SizeLimitError, got %v", err)
	}
	if sizeErr.Exact {
		t.Error("streamed oversize should not claim an exact size")
	}
	if sizeErr.Size <= 1024 {
		t.Errorf("size lower bound: got %d", sizeErr.Size)
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := newFileServer(t)
	d := NewDownloader(DownloadOptions{MaxBytes: 1024})

	_, err := d.Fetch(context.Background(), srv.URL+"/missing")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if _, ok := IsSizeLimit(err); ok {
		t.Error("404 must not be reported as a size error")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := Truncate("hello world", 8); got != "hello..." {
		t.Errorf("got %q", got)
	}
	if got := Truncate("привет мир", 7); got != "прив..." {
		t.Errorf("got %q", got)
	}
}

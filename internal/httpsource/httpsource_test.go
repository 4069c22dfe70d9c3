package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/chanfetch/chanfetch/pkg/fetchlib"
)

func TestFetchRecent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %s, want 50", got)
		}
		json.NewEncoder(w).Encode([]*fetchlib.Message{
			{SourceMessageID: 1, Text: "hello"},
			{SourceMessageID: 2, Text: "world"},
		})
	}))
	defer srv.Close()

	msgs, err := New(nil).FetchRecent(context.Background(), srv.URL, 50)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(msgs) != 2 || msgs[0].SourceMessageID != 1 {
		t.Fatalf("got %+v", msgs)
	}
	// The resource key is stamped onto every message.
	if msgs[0].ResourceKey != srv.URL {
		t.Errorf("resource key = %s", msgs[0].ResourceKey)
	}
}

func TestTransferWritesAndReportsProgress(t *testing.T) {
	payload := make([]byte, 100*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	var (
		callbacks int
		lastCur   int64
		lastTotal int64
	)
	err := New(nil).Transfer(context.Background(), fs, fetchlib.SourceDescriptor{Ref: srv.URL},
		"media/news/file.bin", func(current, total int64) error {
			callbacks++
			lastCur, lastTotal = current, total
			return nil
		})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	data, err := afero.ReadFile(fs, "media/news/file.bin")
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if len(data) != len(payload) {
		t.Errorf("wrote %d bytes, want %d", len(data), len(payload))
	}
	if callbacks == 0 || lastCur != int64(len(payload)) || lastTotal != int64(len(payload)) {
		t.Errorf("progress: %d callbacks, last %d/%d", callbacks, lastCur, lastTotal)
	}
}

func TestTransferAbortsOnProgressError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 256*1024))
	}))
	defer srv.Close()

	abort := errors.New("stop now")
	fs := afero.NewMemMapFs()
	err := New(nil).Transfer(context.Background(), fs, fetchlib.SourceDescriptor{Ref: srv.URL},
		"media/file.bin", func(int64, int64) error { return abort })
	if !errors.Is(err, abort) {
		t.Errorf("err = %v, want the callback error", err)
	}
}

func TestRateLimitMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(nil).FetchRecent(context.Background(), srv.URL, 10)
	var rl *fetchlib.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("retry after = %v, want 7s", rl.RetryAfter)
	}

	err = New(nil).Transfer(context.Background(), afero.NewMemMapFs(),
		fetchlib.SourceDescriptor{Ref: srv.URL}, "media/x", func(int64, int64) error { return nil })
	if !errors.As(err, &rl) {
		t.Errorf("transfer err = %v, want RateLimitError", err)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := New(nil).FetchRecent(context.Background(), srv.URL, 10); err == nil {
		t.Error("expected an error for a 404 feed")
	}
}

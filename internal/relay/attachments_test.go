package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"globalchat/internal/transport"
	logx "globalchat/pkg/logx"
)

func newFileServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.txt":
			_, _ = w.Write([]byte("alpha"))
		case "/big.bin":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchKeepsOrderAndDropsFailures(t *testing.T) {
	srv := newFileServer(t)
	tc := NewTranscoder(srv.Client(), time.Second, 1024, logx.Nop())

	atts := []transport.Attachment{
		{Filename: "a.txt", URL: srv.URL + "/a.txt", ContentType: "text/plain"},
		{Filename: "missing.png", URL: srv.URL + "/missing.png"},
		{Filename: "again.txt", URL: srv.URL + "/a.txt"},
	}
	got := tc.Fetch(context.Background(), atts)
	if len(got) != 2 {
		t.Fatalf("got %d payloads, want 2", len(got))
	}
	if got[0].Index != 0 || got[0].Name != "a.txt" || string(got[0].Data) != "alpha" {
		t.Fatalf("payload 0 = %+v", got[0])
	}
	if got[1].Index != 2 || got[1].Name != "again.txt" {
		t.Fatalf("payload 1 = %+v", got[1])
	}
	if f := got[0].File(); f.ContentType != "text/plain" {
		t.Fatalf("file = %+v", f)
	}
}

func TestFetchDropsOversize(t *testing.T) {
	srv := newFileServer(t)
	tc := NewTranscoder(srv.Client(), time.Second, 16, logx.Nop())

	// Declared size over the limit: skipped without a request.
	declared := transport.Attachment{Filename: "declared", URL: srv.URL + "/a.txt", Size: 17}
	// Declared size lies; body is cut off at the limit.
	streamed := transport.Attachment{Filename: "big.bin", URL: srv.URL + "/big.bin", Size: 1}

	if got := tc.Fetch(context.Background(), []transport.Attachment{declared, streamed}); len(got) != 0 {
		t.Fatalf("oversize payloads kept: %+v", got)
	}
}

func TestFetchEmpty(t *testing.T) {
	tc := NewTranscoder(nil, time.Second, 0, logx.Nop())
	if got := tc.Fetch(context.Background(), nil); got != nil {
		t.Fatalf("got %v", got)
	}
}

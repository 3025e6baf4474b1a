package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"globalchat/internal/transport"
	logx "globalchat/pkg/logx"
)

const fetchConcurrency = 4

var errTooLarge = errors.New("attachment exceeds size limit")

// Payload is a downloaded attachment. Index is its zero-based position in
// the source message.
type Payload struct {
	Index       int
	Name        string
	ContentType string
	Data        []byte
}

func (p Payload) File() transport.File {
	return transport.File{Name: p.Name, ContentType: p.ContentType, Data: p.Data}
}

// Transcoder downloads inbound attachments so they can be re-uploaded.
// Failures are contained per attachment: the item is logged and left out.
type Transcoder struct {
	client *http.Client
	log    logx.Logger

	mu       sync.Mutex
	maxBytes int64
}

// NewTranscoder builds a Transcoder. A nil client gets one with timeout.
func NewTranscoder(client *http.Client, timeout time.Duration, maxBytes int64, log logx.Logger) *Transcoder {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxAttachmentBytes
	}
	return &Transcoder{client: client, log: log.With(logx.String("comp", "attachments")), maxBytes: maxBytes}
}

func (t *Transcoder) SetMaxBytes(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.maxBytes = n
	t.mu.Unlock()
}

// Fetch downloads every attachment once, in parallel, and returns the ones
// that succeeded in their original order.
func (t *Transcoder) Fetch(ctx context.Context, atts []transport.Attachment) []Payload {
	if len(atts) == 0 {
		return nil
	}
	t.mu.Lock()
	limit := t.maxBytes
	t.mu.Unlock()

	slots := make([]*Payload, len(atts))
	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for i, a := range atts {
		g.Go(func() error {
			data, err := t.fetchOne(ctx, a, limit)
			if err != nil {
				t.log.Warn("attachment dropped",
					logx.Int("index", i),
					logx.String("filename", a.Filename),
					logx.String("size", humanize.Bytes(uint64(max(a.Size, 0)))),
					logx.Err(err),
				)
				return nil
			}
			slots[i] = &Payload{Index: i, Name: a.Filename, ContentType: a.ContentType, Data: data}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Payload, 0, len(atts))
	for _, p := range slots {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

func (t *Transcoder) fetchOne(ctx context.Context, a transport.Attachment, limit int64) ([]byte, error) {
	if a.Size > limit {
		return nil, fmt.Errorf("%w (%s > %s)", errTooLarge, humanize.Bytes(uint64(a.Size)), humanize.Bytes(uint64(limit)))
	}
	if a.URL == "" {
		return nil, errors.New("attachment has no url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: http %d", a.Filename, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (more than %s)", errTooLarge, humanize.Bytes(uint64(limit)))
	}
	return data, nil
}

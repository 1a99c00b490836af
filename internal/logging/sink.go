package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	sinkQueueSize  = 512
	sinkBatchSize  = 50
	sinkFlushEvery = 2 * time.Second
)

type logPayload struct {
	Source   string            `json:"source"`
	Level    string            `json:"level"`
	Message  string            `json:"message"`
	Logger   string            `json:"logger,omitempty"`
	Time     time.Time         `json:"ts"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// shipper posts log batches to a collector. Entries are dropped, never
// blocked on, when the queue is full or the shipper has stopped. ch is never
// closed; quit ends the worker.
type shipper struct {
	baseURL string
	apiKey  string
	source  string
	client  *http.Client
	ch      chan logPayload
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newShipper(baseURL, apiKey, source string, client *http.Client) *shipper {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &shipper{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		source:  source,
		client:  client,
		ch:      make(chan logPayload, sinkQueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *shipper) start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(sinkFlushEvery)
		defer ticker.Stop()
		batch := make([]logPayload, 0, sinkBatchSize)
		for {
			select {
			case <-s.quit:
				s.post(s.drain(batch))
				return
			case p := <-s.ch:
				batch = append(batch, p)
				if len(batch) >= sinkBatchSize {
					s.post(batch)
					batch = batch[:0]
				}
			case <-ticker.C:
				s.post(batch)
				batch = batch[:0]
			}
		}
	}()
}

// drain appends whatever is still queued to batch.
func (s *shipper) drain(batch []logPayload) []logPayload {
	for {
		select {
		case p := <-s.ch:
			batch = append(batch, p)
		default:
			return batch
		}
	}
}

func (s *shipper) enqueue(p logPayload) {
	select {
	case <-s.quit:
		return
	default:
	}
	select {
	case s.ch <- p:
	default:
	}
}

// stop flushes what is queued and waits for the last post or ctx. Entries
// logged afterwards are dropped.
func (s *shipper) stop(ctx context.Context) error {
	s.once.Do(func() { close(s.quit) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *shipper) post(batch []logPayload) {
	if len(batch) == 0 {
		return
	}
	body, err := json.Marshal(map[string]any{"entries": batch})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, s.baseURL+"/v1/logs", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

// sinkCore is a zapcore.Core that hands entries to a shipper.
type sinkCore struct {
	level   zapcore.LevelEnabler
	fields  []zapcore.Field
	shipper *shipper
}

func (c *sinkCore) Enabled(level zapcore.Level) bool {
	return c.level.Enabled(level)
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *sinkCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *sinkCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	metadata := make(map[string]string, len(enc.Fields))
	for k, v := range enc.Fields {
		metadata[k] = fmt.Sprint(v)
	}
	c.shipper.enqueue(logPayload{
		Source:   c.shipper.source,
		Level:    entry.Level.String(),
		Message:  entry.Message,
		Logger:   entry.LoggerName,
		Time:     entry.Time.UTC(),
		Metadata: metadata,
	})
	return nil
}

func (c *sinkCore) Sync() error { return nil }

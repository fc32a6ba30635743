package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageMaintain Stage = "maintain"
	StageImport   Stage = "import"
	StageExport   Stage = "export"
)

type EventType string

const (
	EventTypeScanned        EventType = "scanned"
	EventTypeRefused        EventType = "refused"
	EventTypeDispatched     EventType = "dispatched"
	EventTypeReplied        EventType = "replied"
	EventTypeFallback       EventType = "fallback"
	EventTypeDeliveryFailed EventType = "delivery_failed"
	EventTypeRelocated      EventType = "relocated"
	EventTypeImported       EventType = "imported"
	EventTypeEnqueued       EventType = "enqueued"
	EventTypeUploaded       EventType = "uploaded"
	EventTypeDryRunUpload   EventType = "dry_run_uploaded"
	EventTypeDuplicate      EventType = "duplicate"
	EventTypeError          EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

type Summary struct {
	Scanned        int
	Refused        int
	Dispatched     int
	Replied        int
	Fallbacks      int
	DeliveryFailed int
	Relocated      int
	Imported       int
	Enqueued       int
	Uploaded       int
	DryRunUploaded int
	Duplicates     int
	Errors         int
	LastError      error
}

// LogAttrs returns the non-zero counters as slog key/value pairs.
func (s Summary) LogAttrs() []any {
	counters := []struct {
		key   string
		value int
	}{
		{"scanned", s.Scanned},
		{"refused", s.Refused},
		{"dispatched", s.Dispatched},
		{"replied", s.Replied},
		{"fallbacks", s.Fallbacks},
		{"deliveryFailed", s.DeliveryFailed},
		{"relocated", s.Relocated},
		{"imported", s.Imported},
		{"enqueued", s.Enqueued},
		{"uploaded", s.Uploaded},
		{"dryRunUploaded", s.DryRunUploaded},
		{"duplicates", s.Duplicates},
		{"errors", s.Errors},
	}

	var attrs []any
	for _, c := range counters {
		if c.value != 0 {
			attrs = append(attrs, c.key, c.value)
		}
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector tallies events. Record is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Record(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeRefused:
		c.summary.Refused++
	case EventTypeDispatched:
		c.summary.Dispatched++
	case EventTypeReplied:
		c.summary.Replied++
	case EventTypeFallback:
		c.summary.Fallbacks++
	case EventTypeDeliveryFailed:
		c.summary.DeliveryFailed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeRelocated:
		c.summary.Relocated++
	case EventTypeImported:
		c.summary.Imported++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeUploaded:
		c.summary.Uploaded++
	case EventTypeDryRunUpload:
		c.summary.DryRunUploaded++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Count is one tallied value.
type Count struct {
	Key   string
	Value int
}

// Top returns at most limit entries of m, most frequent first. Ties are
// ordered by key so output is stable.
func Top(m map[string]int, limit int) []Count {
	pairs := make([]Count, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Count{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// FprintTop writes the top N most frequent items in a map to w.
func FprintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}

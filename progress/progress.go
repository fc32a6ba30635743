// Package progress renders a terminal progress bar for import and export
// pipelines.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/maildir-ai/stats"
)

const maxTitleWidth = 40

// Bar manages a progress bar for tracking message processing.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar over total messages. The bar is only drawn at
// info level; at other levels log lines carry the progress instead.
func New(title string, total int, logLevel string) *Bar {
	bar := &Bar{total: total, enabled: logLevel == "info" && total > 0}
	if !bar.enabled {
		return bar
	}

	pterm.Info.Printf("%s: %d messages\n", title, total)
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(title).
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	return bar
}

// Update advances the bar for each scanned message and prints errors above it.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.pb.Increment()
		if evt.MessageID != "" {
			b.pb.UpdateTitle("Processing: " + truncate(evt.MessageID, maxTitleWidth))
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
}

// Reporter drives the bar and prints a summary once the pipeline drains.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	started   time.Time
}

// NewReporter subscribes to stream. Each subscriber receives a share of the
// events, so the collector counts events itself and forwards them to the bar.
func NewReporter(stream stats.EventStream, bar *Bar) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		started:   time.Now(),
	}
	stream.SubscribeStats("progress", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan stats.Event) error {
	defer r.bar.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				r.printSummary()
				return nil
			}
			r.collector.Record(evt)
			r.bar.Update(evt)
		}
	}
}

// Summary returns the counters seen so far.
func (r *Reporter) Summary() stats.Summary {
	return r.collector.Snapshot()
}

func (r *Reporter) printSummary() {
	if !r.bar.enabled {
		return
	}
	s := r.collector.Snapshot()

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", time.Since(r.started).Round(time.Millisecond))
	for _, line := range summaryLines(s) {
		pterm.Info.Println(line)
	}
	if s.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", s.LastError)
	}
}

func summaryLines(s stats.Summary) []string {
	lines := []string{
		fmt.Sprintf("Scanned: %d", s.Scanned),
		fmt.Sprintf("Duplicates (skipped): %d", s.Duplicates),
	}
	if s.Imported > 0 {
		lines = append(lines, fmt.Sprintf("Imported: %d", s.Imported))
	}
	if s.Uploaded > 0 {
		lines = append(lines, fmt.Sprintf("Uploaded: %d", s.Uploaded))
	}
	if s.DryRunUploaded > 0 {
		lines = append(lines, fmt.Sprintf("Dry-run: %d", s.DryRunUploaded))
	}
	return append(lines, fmt.Sprintf("Errors: %d", s.Errors))
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}

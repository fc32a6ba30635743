package cmd

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/spf13/cobra"

	"github.com/dhcgn/maildir-ai/config"
	"github.com/dhcgn/maildir-ai/filter"
	"github.com/dhcgn/maildir-ai/maildir"
	"github.com/dhcgn/maildir-ai/mbox"
	"github.com/dhcgn/maildir-ai/stats"
)

var trackedHeaders = []string{"From", "To", "Cc", "Subject"}

func newStatsCmd() *cobra.Command {
	var (
		folder    string
		mboxPath  string
		reportDir string
		topN      int
	)

	c := &cobra.Command{
		Use:   "stats [flags] [knowledge-base]",
		Short: "Show the most frequent senders, recipients and subjects of a folder or mbox file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			if (len(args) == 1) == (mboxPath != "") {
				return fmt.Errorf("give either a knowledge base or --mbox")
			}

			f, err := filter.New(cfg.Filter)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			counter := newHeaderCounter(f)
			if mboxPath != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Analyzing mbox file:", mboxPath)
				err = mbox.Read(mboxPath, func(m *mbox.MboxMessage) error {
					counter.add(m.Raw)
					return nil
				})
				if err != nil {
					return fmt.Errorf("error reading mbox file: %w", err)
				}
			} else {
				mailbox := maildir.New(args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "Analyzing folder: %s\n", mailbox.Dir(folder, maildir.CurDir))
				paths, err := mailbox.List(folder)
				if err != nil {
					return err
				}
				for _, path := range paths {
					raw, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					counter.add(raw)
				}
			}

			counter.print(cmd.OutOrStdout(), topN)

			if err := saveCSVReports(counter.values, trackedHeaders, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	c.Flags().StringVar(&folder, "folder", maildir.Inbox, "Knowledge base folder to analyse")
	c.Flags().StringVar(&mboxPath, "mbox", "", "Analyse an mbox file instead of a knowledge base")
	c.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	c.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	config.RegisterFilterFlags(c)
	return c
}

type headerCounter struct {
	filter  *filter.Filter
	values  map[string]map[string]int
	counted int
	skipped int
}

func newHeaderCounter(f *filter.Filter) *headerCounter {
	values := make(map[string]map[string]int, len(trackedHeaders))
	for _, h := range trackedHeaders {
		values[h] = make(map[string]int)
	}
	return &headerCounter{filter: f, values: values}
}

func (c *headerCounter) add(raw []byte) {
	headerBlock, body, _ := bytes.Cut(raw, []byte("\n\n"))
	if !c.filter.Allows(string(headerBlock), string(body)) {
		c.skipped++
		return
	}
	c.counted++

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return
	}
	h := mail.Header{Header: gomessage.Header{Header: th}}
	for _, name := range trackedHeaders {
		value, err := h.Text(name)
		if err != nil {
			value = h.Get(name)
		}
		if value = strings.Join(strings.Fields(value), " "); value != "" {
			c.values[name][value]++
		}
	}
}

func (c *headerCounter) print(w io.Writer, topN int) {
	total := c.counted + c.skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(c.skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%)...\n\n", c.counted, c.skipped, filterPercent)

	filterStats := c.filter.Stats()
	groups := []struct {
		title string
		group filter.Group
	}{
		{"Include Header Filters", filterStats.IncludeHeader},
		{"Include Body Filters", filterStats.IncludeBody},
		{"Exclude Header Filters", filterStats.ExcludeHeader},
		{"Exclude Body Filters", filterStats.ExcludeBody},
	}
	hasFilterStats := false
	for _, g := range groups {
		if len(g.group.Patterns) == 0 {
			continue
		}
		hasFilterStats = true
		fmt.Fprintf(w, "%s:\n", g.title)
		printFilterHits(w, g.group)
		fmt.Fprintln(w)
	}
	if hasFilterStats {
		fmt.Fprint(w, "---\n\n")
	}

	for _, name := range trackedHeaders {
		fmt.Fprintf(w, "Top %d %s:\n", topN, name)
		stats.FprintTop(w, c.values[name], topN)
		fmt.Fprintln(w)
	}
}

func printFilterHits(w io.Writer, g filter.Group) {
	type pair struct {
		Pattern string
		Count   int
	}
	pairs := make([]pair, 0, len(g.Patterns))
	for i, pattern := range g.Patterns {
		pairs = append(pairs, pair{pattern, g.Hits[i]})
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Pattern < pairs[j].Pattern
	})

	for _, p := range pairs {
		if p.Count > 0 {
			fmt.Fprintf(w, "  ✓ %s: %d hits\n", p.Pattern, p.Count)
		} else {
			fmt.Fprintf(w, "  ✗ %s: 0 hits\n", p.Pattern)
		}
	}
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(header)))
		if err := writeCSVReport(filePath, stats.Top(counter[header], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, rows []stats.Count) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{row.Key, strconv.Itoa(row.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

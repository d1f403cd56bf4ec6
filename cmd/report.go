package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-mbox/config"
	"github.com/dhcgn/imap-to-mbox/filter"
	"github.com/dhcgn/imap-to-mbox/imapresp"
	"github.com/dhcgn/imap-to-mbox/mbox"
	"github.com/dhcgn/imap-to-mbox/state"
	"github.com/dhcgn/imap-to-mbox/stats"
)

// Report categories for archived state records.
var recordCategories = []string{"Sender", "Sender-Domain", "Folder", "Year"}

// Headers counted when reporting on mbox files.
var headerCategories = []string{"Delivered-To", "Subject", "From", "To"}

type counter map[string]map[string]int

func newCounter(categories []string) counter {
	c := make(counter, len(categories))
	for _, name := range categories {
		c[name] = make(map[string]int)
	}
	return c
}

func (c counter) add(category, value string) {
	if value != "" {
		c[category][value]++
	}
}

func newReportCmd() (*cobra.Command, error) {
	var (
		reportDir string
		topN      int
		opts      filter.Options
	)

	c := &cobra.Command{
		Use:   "report [mbox file...]",
		Short: "Show statistics about the archive",
		Long: "Without arguments the report is built from the archive state database.\n" +
			"With mbox files as arguments their headers are counted instead, honouring the filter flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadLocal(cmd)
			if err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			var (
				counts     counter
				categories []string
			)
			if len(args) == 0 {
				tracker, err := state.NewSQLTracker(cfg.StateDir, false)
				if err != nil {
					return err
				}
				defer tracker.Close()
				records, err := tracker.Records(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Archived messages in state: %d\n\n", len(records))
				categories, counts = recordCategories, countRecords(records)
			} else {
				f, err := filter.New(opts)
				if err != nil {
					return fmt.Errorf("create filter: %w", err)
				}
				categories = headerCategories
				if counts, err = countMailFiles(args, f); err != nil {
					return err
				}
				printFilterHits(f.Hits())
			}

			for _, category := range categories {
				fmt.Printf("Top %d %s:\n", topN, category)
				stats.PrettyPrintTop(counts[category], topN)
				fmt.Println()
			}

			if err := saveCSVReports(counts, categories, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Printf("Reports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	flags := c.Flags()
	flags.StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	flags.IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	flags.StringArrayVar(&opts.IncludeHeader, "include-header", nil, "Regex allow-list applied to message headers (mbox files only)")
	flags.StringArrayVar(&opts.IncludeBody, "include-body", nil, "Regex allow-list applied to message bodies (mbox files only)")
	flags.StringArrayVar(&opts.ExcludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mbox files only)")
	flags.StringArrayVar(&opts.ExcludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mbox files only)")
	return c, nil
}

func countRecords(records []state.Record) counter {
	counts := newCounter(recordCategories)
	for _, rec := range records {
		counts.add("Sender", rec.EnvFrom)
		if at := strings.LastIndexByte(rec.EnvFrom, '@'); at >= 0 {
			counts.add("Sender-Domain", strings.ToLower(rec.EnvFrom[at+1:]))
		}
		counts.add("Folder", rec.Folder)
		year := rec.Year
		if year == 0 && !rec.InternalAt.IsZero() {
			year = rec.InternalAt.Year()
		}
		if year != 0 {
			counts.add("Year", strconv.Itoa(year))
		}
	}
	return counts
}

func countMailFiles(paths []string, f *filter.Filter) (counter, error) {
	counts := newCounter(headerCategories)
	for _, path := range paths {
		err := mbox.Read(path, func(m *mbox.Message) error {
			from := imapresp.MailerDaemon
			if addrs, err := m.Header.AddressList("From"); err == nil && len(addrs) > 0 {
				from = addrs[0].Address
			}
			if !f.Allows(from, m.Raw) {
				return nil
			}
			for _, name := range headerCategories {
				counts.add(name, m.Header.Get(name))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("error reading mbox file %s: %w", path, err)
		}
	}
	return counts, nil
}

func saveCSVReports(counts counter, categories []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range categories {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeCategory(category)))
		if err := writeCSV(filePath, stats.Top(counts[category], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeCategory(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ReplaceAll(name, " ", "_")
}

func printFilterHits(hits map[string]int) {
	if len(hits) == 0 {
		return
	}
	patterns := make([]string, 0, len(hits))
	for p := range hits {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if hits[patterns[i]] != hits[patterns[j]] {
			return hits[patterns[i]] > hits[patterns[j]]
		}
		return patterns[i] < patterns[j]
	})

	fmt.Println("Filter hits:")
	for _, p := range patterns {
		fmt.Printf("  %s: %d hits\n", p, hits[p])
	}
	fmt.Println()
}

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"gojournal/internal/codec"
	"gojournal/internal/journal"
	"gojournal/internal/lifecycle"
	"gojournal/internal/storage"
)

var (
	inspectDir      string
	inspectJSON     bool
	inspectMessages int
	inspectNoColor  bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show journal segments, offsets and pending messages",
	Long: `Open a journal without starting any background jobs and print its
segments, offsets and committed position. The node using the journal must be
stopped; the journal directory is locked while open.

Examples:
  gojournal inspect --dir /var/lib/gojournal/journal
  gojournal inspect --messages 20
  gojournal inspect --json`,
	Args: cobra.NoArgs,
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectDir, "dir", "d", "",
		"Journal directory (default: message_journal_dir from config)")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false,
		"Print status as JSON")
	inspectCmd.Flags().IntVarP(&inspectMessages, "messages", "n", 0,
		"Decode and print up to n messages after the committed offset")
	inspectCmd.Flags().BoolVar(&inspectNoColor, "no-color", false,
		"Disable coloured output")
}

func runInspect(cmd *cobra.Command, args []string) error {
	jc := cfg.JournalConfig(nil)
	if inspectDir != "" {
		jc.Dir = inspectDir
	}

	j, err := journal.Open(jc, lifecycle.NewStatus("inspect"))
	if errors.Is(err, storage.ErrDirectoryLocked) {
		return fmt.Errorf("journal %s is in use by a running node: %w", jc.Dir, err)
	}
	if err != nil {
		return err
	}
	defer j.Close()

	out := cmd.OutOrStdout()
	if inspectJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(j.Status())
	}

	if inspectNoColor {
		color.NoColor = true
	}
	printStatus(out, j.Status())

	if inspectMessages > 0 {
		return printMessages(out, j, inspectMessages)
	}
	return nil
}

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	labelColor  = color.New(color.FgWhite)
	warnColor   = color.New(color.FgYellow)
	offsetColor = color.New(color.FgGreen)
)

func printStatus(out io.Writer, s journal.Status) {
	headerColor.Fprintf(out, "Journal %s\n", s.Dir)

	limit := "unlimited"
	if s.SizeLimit > 0 {
		limit = bytefmt.ByteSize(uint64(s.SizeLimit))
	}
	field(out, "Size", fmt.Sprintf("%s of %s", humanBytes(s.Size), limit))
	field(out, "Segments", fmt.Sprintf("%d", s.NumberOfSegments))
	field(out, "Offsets", fmt.Sprintf("%d .. %d", s.LogStartOffset, s.LogEndOffset))

	if s.CommittedOffset == journal.NoCommittedOffset {
		field(out, "Committed", warnColor.Sprint("none"))
	} else {
		field(out, "Committed", fmt.Sprintf("%d", s.CommittedOffset))
	}
	uncommitted := fmt.Sprintf("%d", s.UncommittedMessages)
	if s.UncommittedMessages > 0 {
		uncommitted = warnColor.Sprint(uncommitted)
	}
	field(out, "Uncommitted", uncommitted)
	field(out, "Recovery point", fmt.Sprintf("%d", s.RecoveryPoint))
	if !s.OldestSegment.IsZero() {
		field(out, "Oldest segment", s.OldestSegment.Format(time.RFC3339))
	}

	if len(s.Segments) == 0 {
		return
	}
	fmt.Fprintln(out)
	headerColor.Fprintf(out, "%-20s %-20s %10s  %s\n", "BASE OFFSET", "NEXT OFFSET", "SIZE", "LAST MODIFIED")
	for _, seg := range s.Segments {
		offsetColor.Fprintf(out, "%-20d %-20d", seg.BaseOffset, seg.NextOffset)
		fmt.Fprintf(out, " %10s  %s\n", humanBytes(seg.Size), seg.LastModified.Format(time.RFC3339))
	}
}

func printMessages(out io.Writer, j *journal.Journal, n int) error {
	entries, err := j.Read(int64(n))
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	headerColor.Fprintf(out, "Next %d message(s)\n", len(entries))
	for _, e := range entries {
		msg, err := codec.Decode(e.Payload, e.Offset)
		if err != nil {
			warnColor.Fprintf(out, "%-12d undecodable (%d bytes): %v\n", e.Offset, len(e.Payload), err)
			continue
		}
		offsetColor.Fprintf(out, "%-12d", msg.JournalOffset)
		fmt.Fprintf(out, " %s %-15s %s\n", msg.Timestamp.Format(time.RFC3339), msg.Source, msg.Text)
	}
	return nil
}

func field(out io.Writer, label, value string) {
	labelColor.Fprintf(out, "  %-16s", label+":")
	fmt.Fprintln(out, value)
}

func humanBytes(n int64) string {
	if n <= 0 {
		return "0B"
	}
	return bytefmt.ByteSize(uint64(n))
}

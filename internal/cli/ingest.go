package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/punchsync/internal/connector"
	"github.com/roach88/punchsync/internal/dedup"
	"github.com/roach88/punchsync/internal/punch"
)

// maxLineBytes bounds one JSONL record.
const maxLineBytes = 1 << 20

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	DeviceID string
}

// IngestSummary reports the outcome of an ingest run.
type IngestSummary struct {
	DeviceID   string           `json:"device_id"`
	Lines      int              `json:"lines"`
	Accepted   int              `json:"accepted"`
	Duplicates int              `json:"duplicates"`
	Processed  int              `json:"processed"`
	Rejected   []RejectedRecord `json:"rejected,omitempty"`
}

// RejectedRecord is a line that could not be ingested.
type RejectedRecord struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl>",
		Short: "Replay an exported punch log for a device",
		Long: `Ingest a device's exported attendance log, one JSON record per line, as
if the device had delivered it. Records use the device relay format:

  {"user_id": 7, "timestamp": "2025-03-01 08:00:00", "punch": 0}
  {"device_user_id": "7", "timestamp": 1740805200, "event_type": "checkout"}

Replaying the same file twice is harmless: every punch is deduplicated.
Use "-" to read from standard input.

Example:
  punchsync ingest ./export-D1.jsonl --device D1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.DeviceID, "device", "", "device the log was exported from (required)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func runIngest(opts *IngestOptions, cmd *cobra.Command, path string) error {
	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open input", err)
		}
		defer f.Close()
		in = f
	}

	e, err := setup(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	dev, err := e.store.GetDevice(ctx, opts.DeviceID)
	if err != nil {
		return WrapExitError(ExitFailure, "unknown device", err)
	}
	loc := e.deviceLocation(ctx, dev)
	classifier := e.cfg.Classifier()
	pipe := e.newPipeline(nil)

	summary := IngestSummary{DeviceID: dev.ID}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		summary.Lines++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		rec, err := connector.DecodeRecord(line, dev, loc, classifier)
		if err != nil {
			summary.reject(summary.Lines, err)
			e.recordRejection(ctx, dev.ID, err, line)
			continue
		}
		out, err := pipe.Ingest(ctx, rec.Event(dev, punch.SourceReplay))
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("ingest failed at line %d", summary.Lines), err)
		}
		switch out.Status {
		case dedup.Accepted:
			summary.Accepted++
		case dedup.Duplicate:
			summary.Duplicates++
		}
		if out.Processed {
			summary.Processed++
		}
	}
	if err := scanner.Err(); err != nil {
		return WrapExitError(ExitFailure, "failed to read input", err)
	}

	e.log.Info("replay ingested",
		"device", dev.ID,
		"accepted", summary.Accepted,
		"duplicates", summary.Duplicates,
		"rejected", len(summary.Rejected),
	)

	if err := render(opts.RootOptions, cmd, summary, func(w io.Writer) {
		fmt.Fprintf(w, "Ingested %s: %d accepted, %d duplicate, %d attributed, %d rejected\n",
			path, summary.Accepted, summary.Duplicates, summary.Processed, len(summary.Rejected))
		for _, r := range summary.Rejected {
			fmt.Fprintf(w, "  line %d: %s\n", r.Line, r.Reason)
		}
	}); err != nil {
		return err
	}

	if len(summary.Rejected) > 0 {
		f := formatter(opts.RootOptions, cmd)
		f.VerboseLog("%d line(s) rejected", len(summary.Rejected))
		return NewExitError(ExitFailure, fmt.Sprintf("[%s] %d line(s) rejected", ErrCodeReplayRejected, len(summary.Rejected)))
	}
	return nil
}

func (s *IngestSummary) reject(line int, err error) {
	s.Rejected = append(s.Rejected, RejectedRecord{Line: line, Reason: err.Error()})
}

func (e *env) recordRejection(ctx context.Context, deviceID string, cause error, payload []byte) {
	err := e.store.RecordIngestionError(ctx, punch.IngestionError{
		DeviceID:  deviceID,
		Reason:    cause.Error(),
		Payload:   string(payload),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		e.log.Error("failed to record ingestion error", "device", deviceID, "err", err)
	}
}

// deviceLocation is the zone naive timestamps of dev are read in.
func (e *env) deviceLocation(ctx context.Context, dev punch.Device) *time.Location {
	if dev.Timezone != "" {
		return punch.LoadLocation(dev.Timezone)
	}
	org, err := e.store.GetOrganization(ctx, dev.OrgID)
	if err != nil {
		e.log.Warn("organization lookup failed, reading timestamps as UTC", "device", dev.ID, "err", err)
		return time.UTC
	}
	return org.Location()
}

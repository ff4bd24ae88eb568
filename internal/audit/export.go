package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports logs as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports logs as JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ExportOptions selects the history of one entity.
type ExportOptions struct {
	Format     ExportFormat
	EntityType string
	EntityID   string
	From       time.Time // inclusive, zero = unbounded
	To         time.Time // inclusive, zero = unbounded
	Limit      int
}

// ExportLogs exports an entity's audit history, oldest first.
func ExportLogs(ctx context.Context, repo Repository, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}
	if opts.EntityType == "" || opts.EntityID == "" {
		return nil, ErrInvalidEntityID
	}

	logs, err := repo.QueryByEntity(ctx, opts.EntityType, opts.EntityID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}

	// Newest first from the repository; exports read chronologically.
	filtered := make([]*Log, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		if !opts.From.IsZero() && l.CreatedAt.Before(opts.From) {
			continue
		}
		if !opts.To.IsZero() && l.CreatedAt.After(opts.To) {
			continue
		}
		filtered = append(filtered, l)
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	if opts.Format == ExportFormatCSV {
		return exportToCSV(filtered)
	}
	data, err := json.MarshalIndent(filtered, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

func exportToCSV(logs []*Log) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	header := []string{
		"ID",
		"Timestamp (UTC)",
		"Actor ID",
		"Entity Type",
		"Entity ID",
		"Action",
		"Outcome",
		"Detail",
		"Request ID",
		"Previous Hash",
		"Hash",
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, l := range logs {
		row := []string{
			l.ID,
			l.CreatedAt.Format(time.RFC3339),
			l.ActorID,
			l.EntityType,
			l.EntityID,
			l.Action,
			l.Outcome,
			l.Detail,
			l.RequestID,
			l.PreviousHash,
			l.Hash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

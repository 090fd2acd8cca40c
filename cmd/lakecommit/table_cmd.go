package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/lakecommit"
	"pkt.systems/lakecommit/internal/coordinator"
	"pkt.systems/lakecommit/internal/loggingutil"
	"pkt.systems/lakecommit/internal/table"
	"pkt.systems/pslog"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// catalogSession opens the configured warehouse for one table subcommand.
type catalogSession struct {
	cfg     lakecommit.Config
	catalog *table.Catalog
	close   func() error
}

func openCatalogSession(baseLogger pslog.Logger) (*catalogSession, error) {
	cfg, logger, err := loadSettings(baseLogger)
	if err != nil {
		return nil, err
	}
	catalog, closeFn, err := lakecommit.OpenCatalog(cfg, loggingutil.WithSubsystem(logger, "cli.table"))
	if err != nil {
		return nil, err
	}
	return &catalogSession{cfg: cfg, catalog: catalog, close: closeFn}, nil
}

func newTableCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "table",
		Aliases: []string{"tables"},
		Short:   "Inspect and create tables in the warehouse",
	}
	cmd.AddCommand(newTableCreateCommand(baseLogger))
	cmd.AddCommand(newTableListCommand(baseLogger))
	cmd.AddCommand(newTableHistoryCommand(baseLogger))
	cmd.AddCommand(newTableOffsetsCommand(baseLogger))
	return cmd
}

func parseProperties(pairs []string) (map[string]string, error) {
	props := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property %q (expected key=value)", pair)
		}
		props[key] = strings.TrimSpace(value)
	}
	return props, nil
}

func newTableCreateCommand(baseLogger pslog.Logger) *cobra.Command {
	var props []string
	cmd := &cobra.Command{
		Use:   "create <namespace.name>",
		Short: "Create an empty table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := table.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			properties, err := parseProperties(props)
			if err != nil {
				return err
			}
			session, err := openCatalogSession(baseLogger)
			if err != nil {
				return err
			}
			defer session.close()
			tbl, err := session.catalog.CreateTable(cmd.Context(), id, properties)
			if err != nil {
				return err
			}
			meta := tbl.Metadata()
			fmt.Fprintf(cmd.OutOrStdout(), "table=%s uuid=%s location=%s\n", id, meta.TableUUID, meta.Location)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&props, "property", "p", nil, "table property (key=value, repeatable)")
	return cmd
}

func newTableListCommand(baseLogger pslog.Logger) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list [namespace]",
		Short: "List tables, optionally within one namespace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace := ""
			if len(args) == 1 {
				namespace = strings.TrimSpace(args[0])
			}
			session, err := openCatalogSession(baseLogger)
			if err != nil {
				return err
			}
			defer session.close()
			ids, err := session.catalog.ListTables(cmd.Context(), namespace)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(ids))
			for _, id := range ids {
				names = append(names, id.String())
			}
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(cmd.OutOrStdout(), names)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

type historyEntry struct {
	SnapshotID  int64     `json:"snapshot_id"`
	Sequence    int64     `json:"sequence_number"`
	Timestamp   time.Time `json:"timestamp"`
	Operation   string    `json:"operation"`
	AddedData   int64     `json:"added_data_files"`
	AddedDelete int64     `json:"added_delete_files"`
	AddedRows   int64     `json:"added_records"`
	AddedBytes  int64     `json:"added_files_size"`
	CommitID    string    `json:"commit_id,omitempty"`
	Offsets     string    `json:"control_offsets,omitempty"`
}

func summaryValue(summary map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(summary[key], 10, 64)
	return n
}

func newHistoryEntry(snap table.Snapshot, offsetsProperty string) historyEntry {
	return historyEntry{
		SnapshotID:  snap.ID,
		Sequence:    snap.SequenceNumber,
		Timestamp:   time.UnixMilli(snap.TimestampMs).UTC(),
		Operation:   snap.Operation,
		AddedData:   summaryValue(snap.Summary, table.SummaryAddedDataFiles),
		AddedDelete: summaryValue(snap.Summary, table.SummaryAddedDeleteFiles),
		AddedRows:   summaryValue(snap.Summary, table.SummaryAddedRecords),
		AddedBytes:  summaryValue(snap.Summary, table.SummaryAddedFilesSize),
		CommitID:    snap.Summary[coordinator.CommitIDProperty],
		Offsets:     snap.Summary[offsetsProperty],
	}
}

func writeHistoryText(out io.Writer, entries []historyEntry, now time.Time) {
	for _, e := range entries {
		fmt.Fprintf(out, "%d seq=%d op=%s files=%d deletes=%d rows=%s size=%s age=%s",
			e.SnapshotID, e.Sequence, e.Operation, e.AddedData, e.AddedDelete,
			humanize.Comma(e.AddedRows), humanize.Bytes(uint64(max(e.AddedBytes, 0))), humanize.RelTime(e.Timestamp, now, "ago", "from now"))
		if e.CommitID != "" {
			fmt.Fprintf(out, " commit_id=%s", e.CommitID)
		}
		if e.Offsets != "" {
			fmt.Fprintf(out, " offsets=%s", e.Offsets)
		}
		fmt.Fprintln(out)
	}
}

func newTableHistoryCommand(baseLogger pslog.Logger) *cobra.Command {
	var output string
	var limit int
	cmd := &cobra.Command{
		Use:   "history <namespace.name>",
		Short: "Show the snapshot chain of a table, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := table.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			session, err := openCatalogSession(baseLogger)
			if err != nil {
				return err
			}
			defer session.close()
			tbl, err := session.catalog.LoadTable(cmd.Context(), id)
			if err != nil {
				return err
			}
			property := coordinator.OffsetsProperty(session.cfg.ControlTopic)
			entries := []historyEntry{}
			for snap := range tbl.Ancestors() {
				if limit > 0 && len(entries) >= limit {
					break
				}
				entries = append(entries, newHistoryEntry(snap, property))
			}
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			writeHistoryText(cmd.OutOrStdout(), entries, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many snapshots (0 shows all)")
	return cmd
}

func newTableOffsetsCommand(baseLogger pslog.Logger) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "offsets <namespace.name>",
		Short: "Show the control topic offsets last committed to a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := table.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			session, err := openCatalogSession(baseLogger)
			if err != nil {
				return err
			}
			defer session.close()
			tbl, err := session.catalog.LoadTable(cmd.Context(), id)
			if err != nil {
				return err
			}
			offsets, err := coordinator.LastCommittedOffsets(tbl, coordinator.OffsetsProperty(session.cfg.ControlTopic))
			if err != nil {
				return err
			}
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(cmd.OutOrStdout(), offsets)
			}
			for _, partition := range slices.Sorted(maps.Keys(offsets)) {
				fmt.Fprintf(cmd.OutOrStdout(), "topic=%s partition=%d next_offset=%d\n", session.cfg.ControlTopic, partition, offsets[partition])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

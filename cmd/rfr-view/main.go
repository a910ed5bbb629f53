// Command rfr-view prints a summary of a recording directory: its meta
// header, registered callsites, discovered chunk files, and (optionally)
// the reshaped per-task timeline. It is a thin shell over the core
// reader/reshape packages, as spec §6 requires of the viewer command.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/hds/rfr/internal/reader"
	"github.com/hds/rfr/internal/reshape"
	"github.com/spf13/cobra"
)

func main() {
	var showTasks bool

	root := &cobra.Command{
		Use:   "rfr-view <recording-dir>",
		Short: "Summarize an rfr recording directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], showTasks)
		},
	}
	root.Flags().BoolVar(&showTasks, "tasks", false, "also reshape the recording and list discovered tasks")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rfr-view:", err)
		os.Exit(1)
	}
}

func run(dir string, showTasks bool) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	rec, err := reader.Open(dir)
	if err != nil {
		return fmt.Errorf("opening recording: %w", err)
	}

	meta := rec.Meta()
	fmt.Printf("recording:      %s\n", dir)
	fmt.Printf("recording id:   %s\n", meta.RecordingID)
	fmt.Printf("format:         %v\n", meta.FormatIdentifiers)
	fmt.Printf("callsites:      %d\n", len(rec.Callsites()))

	chunkPaths := rec.ChunkPaths()
	fmt.Printf("chunk files:    %d\n", len(chunkPaths))
	for _, path := range chunkPaths {
		chunk, err := rec.ChunkFor(path)
		if err != nil {
			fmt.Printf("  %s  <unreadable: %v>\n", path, err)
			continue
		}
		seqCount := len(chunk.SeqChunks)
		var records int
		for _, sc := range chunk.SeqChunks {
			records += len(sc.Records)
		}
		fmt.Printf("  %s  seqs=%d records=%d\n", path, seqCount, records)
	}

	if errs := rec.LoadErrors(); len(errs) > 0 {
		fmt.Printf("load errors:    %d\n", len(errs))
		for path, err := range errs {
			fmt.Printf("  %s: %v\n", path, err)
		}
	}

	if !showTasks {
		return nil
	}

	data, err := reshape.Reshape(rec, reshape.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("reshaping recording: %w", err)
	}

	type row struct {
		iid uint64
		tr  *reshape.TaskRecords
	}
	rows := make([]row, 0, len(data.Tasks))
	for iid, tr := range data.Tasks {
		rows = append(rows, row{iid: uint64(iid), tr: tr})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].tr.DynamicID < rows[j].tr.DynamicID })

	fmt.Printf("tasks:          %d (largest dynamic id %d)\n", len(rows), data.LargestDID)
	for _, r := range rows {
		name := r.tr.Task.Name
		if name == "" {
			name = fmt.Sprintf("iid-%d", r.iid)
		}
		sections := reshape.DeriveSections(r.tr.Records)
		fmt.Printf("  did=%d iid=%d %q events=%d sections=%d\n", r.tr.DynamicID, r.iid, name, len(r.tr.Records), len(sections))
	}
	return nil
}

// Command rfr-convert reshapes a recording directory into the per-task
// timeline contract spec §6 describes ("consumers iterate tasks sorted by
// start time and emit records via a straightforward visitor") and emits
// it in one of the supported output formats.
//
// Only the "json" format tag is implemented: it is a direct dump of the
// reshape engine's artifact-consumer contract, suitable for piping into
// an external trace viewer's own converter. Concrete trace formats (e.g.
// a protobuf trace stream) are explicitly out of scope for this spec
// (§1); a real deployment would add further format tags behind the same
// --format flag without touching the core.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/hds/rfr/internal/clock"
	"github.com/hds/rfr/internal/reader"
	"github.com/hds/rfr/internal/record"
	"github.com/hds/rfr/internal/reshape"
	"github.com/spf13/cobra"
)

func main() {
	var format string
	var outPath string

	root := &cobra.Command{
		Use:   "rfr-convert <recording-dir>",
		Short: "Reshape an rfr recording into a per-task timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], format, outPath)
		},
	}
	root.Flags().StringVar(&format, "format", "json", "output format (only \"json\" is implemented)")
	root.Flags().StringVar(&outPath, "output", "", "output file path (defaults to stdout)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rfr-convert:", err)
		os.Exit(1)
	}
}

func run(dir, format, outPath string) error {
	if format != "json" {
		return fmt.Errorf("unsupported format %q: only \"json\" is implemented", format)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	rec, err := reader.Open(dir)
	if err != nil {
		return fmt.Errorf("opening recording: %w", err)
	}

	data, err := reshape.Reshape(rec, reshape.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("reshaping recording: %w", err)
	}

	out, err := buildTimeline(data)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// timelineDoc is the JSON shape rfr-convert emits: one entry per task,
// sorted by its earliest event's timestamp, each carrying the flow id an
// external trace viewer would key a link by (spec §4.9 step 6).
type timelineDoc struct {
	EarliestTimestamp string        `json:"earliest_timestamp"`
	LargestDynamicID  uint64        `json:"largest_dynamic_id"`
	Tasks             []taskDoc     `json:"tasks"`
	Sequences         []sequenceDoc `json:"sequences,omitempty"`
}

type taskDoc struct {
	DynamicID uint64       `json:"dynamic_id"`
	IID       uint64       `json:"iid"`
	TaskID    uint64       `json:"task_id"`
	Name      string       `json:"name,omitempty"`
	Kind      string       `json:"kind"`
	Sections  []sectionDoc `json:"sections"`
}

type sectionDoc struct {
	Kind   string  `json:"kind"`
	Start  string  `json:"start"`
	End    string  `json:"end"`
	FlowID *uint64 `json:"flow_id,omitempty"`
}

type sequenceDoc struct {
	SeqID  uint64 `json:"seq_id"`
	Events int    `json:"events"`
}

func buildTimeline(data *reshape.CollectedData) (timelineDoc, error) {
	type keyed struct {
		iid uint64
		tr  *reshape.TaskRecords
	}
	tasks := make([]keyed, 0, len(data.Tasks))
	for iid, tr := range data.Tasks {
		tasks = append(tasks, keyed{iid: uint64(iid), tr: tr})
	}
	sort.Slice(tasks, func(i, j int) bool {
		ti, tj := tasks[i].tr, tasks[j].tr
		if len(ti.Records) == 0 || len(tj.Records) == 0 {
			return ti.DynamicID < tj.DynamicID
		}
		return ti.Records[0].Timestamp.Before(tj.Records[0].Timestamp)
	})

	doc := timelineDoc{
		EarliestTimestamp: formatAbs(data.EarliestTimestamp),
		LargestDynamicID:  uint64(data.LargestDID),
	}

	for _, k := range tasks {
		sections := reshape.DeriveSections(k.tr.Records)
		td := taskDoc{
			DynamicID: uint64(k.tr.DynamicID),
			IID:       k.iid,
			TaskID:    uint64(k.tr.Task.TaskID),
			Name:      k.tr.Task.Name,
			Kind:      taskKindName(k.tr.Task.Kind, k.tr.Task.OtherKind),
		}
		for _, s := range sections {
			sd := sectionDoc{Kind: s.Kind.String(), Start: formatAbs(s.Start), End: formatAbs(s.End)}
			if s.WakeFlowID != nil {
				flowID, err := reshape.EncodeFlowID(false, *s.WakeFlowID, k.tr.DynamicID)
				if err != nil {
					return timelineDoc{}, fmt.Errorf("encoding flow id for task %d: %w", k.iid, err)
				}
				sd.FlowID = &flowID
			}
			td.Sections = append(td.Sections, sd)
		}
		doc.Tasks = append(doc.Tasks, td)
	}

	seqIDs := make([]uint64, 0, len(data.Sequences))
	for id := range data.Sequences {
		seqIDs = append(seqIDs, uint64(id))
	}
	sort.Slice(seqIDs, func(i, j int) bool { return seqIDs[i] < seqIDs[j] })
	for _, id := range seqIDs {
		sr := data.Sequences[record.SeqID(id)]
		doc.Sequences = append(doc.Sequences, sequenceDoc{SeqID: id, Events: len(sr.Records)})
	}

	return doc, nil
}

// formatAbs renders an absolute timestamp as "secs.subsec_micros", with
// the sub-second part zero-padded to six digits.
func formatAbs(ts clock.AbsTimestamp) string {
	return fmt.Sprintf("%d.%06d", ts.Secs, ts.SubsecMicros)
}

func taskKindName(kind record.TaskKind, other string) string {
	switch kind {
	case record.TaskKindTask:
		return "task"
	case record.TaskKindLocal:
		return "local"
	case record.TaskKindBlocking:
		return "blocking"
	case record.TaskKindBlockOn:
		return "block_on"
	default:
		if other != "" {
			return other
		}
		return "other"
	}
}

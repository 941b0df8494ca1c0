package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/runningwild/rawbench/pkg/engine"
	"github.com/runningwild/rawbench/pkg/reserve"
)

func progressPrinter(out io.Writer) func(engine.Result) {
	return func(r engine.Result) {
		fmt.Fprintf(out, "[%6.1fs] reads=%s writes=%s iops=%s errors=%d conflicts=%s\n",
			r.Duration.Seconds(),
			humanize.Comma(r.Reads),
			humanize.Comma(r.Writes),
			humanize.CommafWithDigits(r.IOPS, 0),
			r.IOErrors,
			humanize.Comma(r.Conflicts),
		)
	}
}

func printResult(out io.Writer, r *engine.Result) {
	fmt.Fprintf(out, "\n>>> Run %s complete (%s) <<<\n", r.RunID, r.TerminationReason)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	d := r.Device
	fmt.Fprintf(tw, "Device:\t%s (%s, min op %s, op %s, %s offsets)\n",
		d.Name, humanize.IBytes(uint64(d.TotalBytes)), humanize.IBytes(uint64(d.MinOpBytes)),
		humanize.IBytes(uint64(d.OpBytes)), humanize.Comma(d.NumOffsets))
	fmt.Fprintf(tw, "Elapsed:\t%v\n", r.Duration)
	fmt.Fprintf(tw, "Reads:\t%s\t(%s/s)\n", humanize.Comma(r.Reads), humanize.CommafWithDigits(r.ReadsPerSec, 1))
	fmt.Fprintf(tw, "Writes:\t%s\t(%s/s)\n", humanize.Comma(r.Writes), humanize.CommafWithDigits(r.WritesPerSec, 1))
	fmt.Fprintf(tw, "Throughput:\t%s/s\n", humanize.IBytes(uint64(r.Throughput)))
	fmt.Fprintf(tw, "P50 latency:\t%v\n", r.P50Latency)
	fmt.Fprintf(tw, "P90 latency:\t%v\n", r.P90Latency)
	fmt.Fprintf(tw, "P99 latency:\t%v\t(min %v, mean %v, max %v)\n", r.Latency.P99, r.Latency.Min, r.Latency.Mean, r.Latency.Max)
	fmt.Fprintf(tw, "I/O errors:\t%d\n", r.IOErrors)
	fmt.Fprintf(tw, "Conflicts:\t%s\n", humanize.Comma(r.Conflicts))
	fmt.Fprintf(tw, "Unwritten reads:\t%s\n", humanize.Comma(r.UnwrittenReads))
	if r.Discarded > 0 {
		fmt.Fprintf(tw, "Discarded:\t%d\t(completed after the deadline)\n", r.Discarded)
	}
	tw.Flush()
}

func printReservations(out io.Writer, cells []reserve.Cell) {
	fmt.Fprintf(out, "\nClaimed cells (%d):\n", len(cells))
	for _, c := range cells {
		fmt.Fprintf(out, "%d %d\n", c.Block, c.Division)
	}
}

func writeJSON(out io.Writer, path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	fmt.Fprintf(out, "Report written to %s\n", path)
	return nil
}

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/runningwild/rawbench/pkg/buffer"
	"github.com/runningwild/rawbench/pkg/device"
	"github.com/runningwild/rawbench/pkg/fio"
)

func newProbeCommand() *cobra.Command {
	var payload string
	var buffered bool
	cmd := &cobra.Command{
		Use:   "probe <device>",
		Short: "Print the geometry rawbench discovers for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			size, err := humanize.ParseBytes(payload)
			if err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
			dev, err := device.Open(args[0], device.Options{PayloadBytes: int(size), Direct: !buffered})
			if err != nil {
				return err
			}
			defer dev.Close()

			d := dev.Descriptor()
			fmt.Fprintf(out, "Device:        %s\n", d.Name)
			fmt.Fprintf(out, "Capacity:      %s (%s bytes)\n", humanize.IBytes(uint64(d.TotalBytes)), humanize.Comma(d.TotalBytes))
			fmt.Fprintf(out, "Large blocks:  %s x %s\n", humanize.Comma(d.LargeBlocks), humanize.IBytes(device.LargeBlockBytes))
			fmt.Fprintf(out, "Min op size:   %s\n", humanize.IBytes(uint64(d.MinOpBytes)))
			fmt.Fprintf(out, "Op size:       %s (%d min ops)\n", humanize.IBytes(uint64(d.OpBytes)), d.OpBlocks())
			fmt.Fprintf(out, "Offsets:       %s\n", humanize.Comma(d.NumOffsets))
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "4KiB", "Payload size to size operations for")
	cmd.Flags().BoolVar(&buffered, "buffered", false, "Do not open with O_DIRECT")
	return cmd
}

// openAt opens path for one transfer of length bytes at offset, returning the
// device and an aligned buffer of one op.
func openAt(path string, offset int64, length int, buffered bool) (*device.Device, *buffer.Aligned, error) {
	dev, err := device.Open(path, device.Options{PayloadBytes: length, Direct: !buffered})
	if err != nil {
		return nil, nil, err
	}
	d := dev.Descriptor()
	if offset%int64(d.MinOpBytes) != 0 {
		dev.Close()
		return nil, nil, fmt.Errorf("offset %d is not a multiple of the %d-byte minimum op size", offset, d.MinOpBytes)
	}
	buf, err := buffer.New(d.OpBytes)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return dev, buf, nil
}

func newReadCommand() *cobra.Command {
	var length string
	var buffered, raw bool
	cmd := &cobra.Command{
		Use:   "read <device> <offset>",
		Short: "Read one operation at an offset and dump it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			offset, err := humanize.ParseBytes(args[1])
			if err != nil {
				return fmt.Errorf("invalid offset: %w", err)
			}
			n, err := humanize.ParseBytes(length)
			if err != nil {
				return fmt.Errorf("invalid --length: %w", err)
			}
			dev, buf, err := openAt(args[0], int64(offset), int(n), buffered)
			if err != nil {
				return err
			}
			defer dev.Close()
			defer buf.Close()

			op := dev.Descriptor().OpBytes
			if err := dev.ReadAt(int64(offset), op, buf.Bytes()); err != nil {
				return err
			}
			if raw {
				_, err = out.Write(buf.Bytes()[:op])
				return err
			}
			fmt.Fprint(out, hex.Dump(buf.Bytes()[:op]))
			return nil
		},
	}
	cmd.Flags().StringVar(&length, "length", "512", "Bytes to read, rounded up to the minimum op size")
	cmd.Flags().BoolVar(&buffered, "buffered", false, "Do not open with O_DIRECT")
	cmd.Flags().BoolVar(&raw, "raw", false, "Write the bytes to stdout instead of a hex dump")
	return cmd
}

func newWriteCommand() *cobra.Command {
	var buffered bool
	cmd := &cobra.Command{
		Use:   "write <device> <offset> <text>",
		Short: "Write text, zero padded to one operation, at an offset",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			offset, err := humanize.ParseBytes(args[1])
			if err != nil {
				return fmt.Errorf("invalid offset: %w", err)
			}
			msg := []byte(args[2])
			if len(msg) == 0 {
				return fmt.Errorf("nothing to write")
			}
			dev, buf, err := openAt(args[0], int64(offset), len(msg), buffered)
			if err != nil {
				return err
			}
			defer dev.Close()
			defer buf.Close()

			buf.Stage(0, 1, msg)
			op := dev.Descriptor().OpBytes
			if err := dev.WriteAt(int64(offset), op, buf.Bytes()); err != nil {
				return err
			}
			fmt.Fprintf(out, "Wrote %s at offset %d\n", humanize.IBytes(uint64(op)), offset)
			return nil
		},
	}
	cmd.Flags().BoolVar(&buffered, "buffered", false, "Do not open with O_DIRECT")
	return cmd
}

func newFioCommand() *cobra.Command {
	var f runFlags
	var parse string
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "fio",
		Short: "Print an equivalent fio job, or convert fio JSON output with --parse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if parse != "" {
				data, err := os.ReadFile(parse)
				if err != nil {
					return err
				}
				res, err := fio.ParseOutput(data, duration)
				if err != nil {
					return fmt.Errorf("parse %s: %w", parse, err)
				}
				res.RunID = "fio"
				printResult(out, res)
				return writeJSON(out, f.reportFile, res)
			}

			cfg, err := f.loadConfig()
			if err != nil {
				return err
			}
			if err := f.maybeWriteConfig(out, cfg); err != nil {
				return err
			}
			fmt.Fprint(out, fio.GenerateJob(cfg.Params()))
			return nil
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().StringVar(&parse, "parse", "", "fio --output-format=json file to convert")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Run length to attach to a parsed fio result")
	return cmd
}

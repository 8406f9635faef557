package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus"
)

var (
	dumpStartAddr uint16
	dumpEndAddr   uint16
	dumpBatchSize uint16
	dumpOutFile   string
	dumpShowEmpty bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump register ranges",
	Long: `Dump a range of registers from a Modbus slave.

Supports exporting to hexdump, CSV, and JSON.
Large ranges are read in batches of at most 125 registers.`,
	Example: `  modbuscli dump hr -a 0 -e 999 -H 192.168.1.100
  modbuscli dump ir -a 0 -e 100 -f registers.csv -o csv`,
}

var dumpHoldingCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Dump holding registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return dumpRegisters(modbus.SpaceHolding)
	},
}

var dumpInputCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Dump input registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return dumpRegisters(modbus.SpaceInput)
	},
}

func init() {
	dumpCmd.AddCommand(dumpHoldingCmd)
	dumpCmd.AddCommand(dumpInputCmd)

	for _, cmd := range []*cobra.Command{dumpHoldingCmd, dumpInputCmd} {
		cmd.Flags().Uint16VarP(&dumpStartAddr, "start", "a", 0, "Start address")
		cmd.Flags().Uint16VarP(&dumpEndAddr, "end", "e", 99, "End address (inclusive)")
		cmd.Flags().Uint16VarP(&dumpBatchSize, "batch", "b", modbus.MaxQuantityRegisters, "Batch size for reading")
		cmd.Flags().StringVarP(&dumpOutFile, "file", "f", "", "Output file (default: stdout)")
		cmd.Flags().BoolVar(&dumpShowEmpty, "show-empty", false, "Show addresses that return errors")
	}
}

type DumpRegister struct {
	Address uint16 `json:"address"`
	Value   uint16 `json:"value"`
	Hex     string `json:"hex"`
	Error   string `json:"error,omitempty"`
}

// batch is one read of a dump.
type batch struct {
	addr uint16
	qty  uint16
}

// splitBatches cuts the inclusive range [start, end] into reads of at most size registers.
func splitBatches(start, end uint16, size uint16) []batch {
	if end < start {
		start, end = end, start
	}
	if size == 0 || size > modbus.MaxQuantityRegisters {
		size = modbus.MaxQuantityRegisters
	}

	var out []batch
	for addr := int(start); addr <= int(end); addr += int(size) {
		n := min(int(size), int(end)-addr+1)
		out = append(out, batch{addr: uint16(addr), qty: uint16(n)})
	}
	return out
}

func dumpRegisters(space modbus.Space) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout*10)
	defer cancel()

	master, err := openMaster(ctx)
	if err != nil {
		return err
	}
	defer master.Close()

	batches := splitBatches(dumpStartAddr, dumpEndAddr, dumpBatchSize)
	first := batches[0].addr
	totalCount := 0
	for _, b := range batches {
		totalCount += int(b.qty)
	}
	results := make([]DumpRegister, 0, totalCount)

	title := strings.ToUpper(space.String()[:1]) + space.String()[1:] + " Registers"
	outputInfo("Dumping %s from %d (%d registers)...", title, first, totalCount)
	startTime := time.Now()

	done := 0
	for _, b := range batches {
		readCtx, readCancel := context.WithTimeout(ctx, timeout)
		var values []uint16
		if space == modbus.SpaceInput {
			values, err = master.ReadInputRegisters(readCtx, b.addr, b.qty)
		} else {
			values, err = master.ReadHoldingRegisters(readCtx, b.addr, b.qty)
		}
		readCancel()

		if err != nil {
			logger.Debug("dump batch failed", "addr", b.addr, "qty", b.qty, "error", err)
			if !master.IsConnected() {
				return fmt.Errorf("connection lost: %w", err)
			}
			if dumpShowEmpty {
				for i := uint16(0); i < b.qty; i++ {
					results = append(results, DumpRegister{
						Address: b.addr + i,
						Error:   err.Error(),
					})
				}
			}
		} else {
			for i, v := range values {
				results = append(results, DumpRegister{
					Address: b.addr + uint16(i),
					Value:   v,
					Hex:     fmt.Sprintf("0x%04X", v),
				})
			}
		}

		done += int(b.qty)
		if verbose {
			fmt.Fprintf(os.Stderr, "\rProgress: %.1f%%", float64(done)/float64(totalCount)*100)
		}
	}

	if verbose {
		fmt.Fprintln(os.Stderr)
	}

	duration := time.Since(startTime)
	outputInfo("Read %d registers in %s (%.1f regs/sec)", len(results), duration.Round(time.Millisecond), float64(len(results))/duration.Seconds())

	return outputDumpRegisters(title, results)
}

func outputDumpRegisters(title string, results []DumpRegister) error {
	var out io.Writer = os.Stdout
	if dumpOutFile != "" {
		f, err := os.Create(dumpOutFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	var err error
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		err = enc.Encode(results)

	case "csv":
		w := csv.NewWriter(out)
		w.Write([]string{"address", "value", "hex", "error"})
		for _, r := range results {
			w.Write([]string{
				fmt.Sprintf("%d", r.Address),
				fmt.Sprintf("%d", r.Value),
				r.Hex,
				r.Error,
			})
		}
		w.Flush()
		err = w.Error()

	case "hex":
		writeDumpRows(out, results, 8, "%08x  ", func(r DumpRegister) string {
			if r.Error != "" {
				return "?? ?? "
			}
			return fmt.Sprintf("%02x %02x ", r.Value>>8, r.Value&0xFF)
		})

	default:
		fmt.Fprintf(out, "\n%s Dump\n", title)
		fmt.Fprintln(out, strings.Repeat("=", 60))
		writeDumpRows(out, results, 16, "%5d: ", func(r DumpRegister) string {
			if r.Error != "" {
				return " ---- "
			}
			return fmt.Sprintf(" %04X ", r.Value)
		})
		fmt.Fprintln(out)
	}
	if err != nil {
		return err
	}

	if dumpOutFile != "" {
		outputSuccess("Output written to %s", dumpOutFile)
	}
	return nil
}

// writeDumpRows prints perRow cells per line followed by an ASCII gutter.
func writeDumpRows(out io.Writer, results []DumpRegister, perRow int, addrFmt string, cell func(DumpRegister) string) {
	blank := strings.Repeat(" ", len(cell(DumpRegister{})))
	for i := 0; i < len(results); i += perRow {
		end := min(i+perRow, len(results))
		fmt.Fprintf(out, addrFmt, results[i].Address)
		for j := i; j < end; j++ {
			fmt.Fprint(out, cell(results[j]))
		}
		for j := end - i; j < perRow; j++ {
			fmt.Fprint(out, blank)
		}
		fmt.Fprint(out, " |")
		for j := i; j < end; j++ {
			if results[j].Error != "" {
				fmt.Fprint(out, "..")
				continue
			}
			fmt.Fprintf(out, "%c%c", printable(byte(results[j].Value>>8)), printable(byte(results[j].Value)))
		}
		fmt.Fprintln(out, "|")
	}
}

func printable(b byte) byte {
	if b >= 32 && b < 127 {
		return b
	}
	return '.'
}

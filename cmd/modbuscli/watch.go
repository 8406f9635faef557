// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus"
)

var (
	watchInterval  time.Duration
	watchCount     int
	watchShowDiff  bool
	watchClearTerm bool
	watchTimestamp bool
	watchLogFile   string
	watchAlertHigh float64
	watchAlertLow  float64
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously poll registers on a slave",
	Long: `Poll holding or input registers at a fixed interval.

Features:
  - Change detection and highlighting
  - Alert thresholds
  - Logging to file (CSV)
  - Timestamp display`,
	Example: `  # Watch 5 holding registers every second
  modbuscli watch hr -a 0 -c 5 -i 1s -H 192.168.1.100

  # Alert when a value exceeds a threshold
  modbuscli watch hr -a 100 -c 1 -i 500ms --alert-high 1000

  # Watch input registers over RTU and log to file
  modbuscli watch ir -a 0 -c 10 -i 2s --log data.csv --mode rtu --device /dev/ttyUSB0`,
}

var watchHoldingRegistersCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Watch holding registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(modbus.SpaceHolding)
	},
}

var watchInputRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Watch input registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(modbus.SpaceInput)
	},
}

func init() {
	watchCmd.AddCommand(watchHoldingRegistersCmd)
	watchCmd.AddCommand(watchInputRegistersCmd)

	for _, cmd := range []*cobra.Command{watchHoldingRegistersCmd, watchInputRegistersCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of registers to read")
		cmd.Flags().DurationVarP(&watchInterval, "interval", "i", 1*time.Second, "Poll interval")
		cmd.Flags().IntVarP(&watchCount, "iterations", "n", 0, "Number of iterations (0 = infinite)")
		cmd.Flags().BoolVar(&watchShowDiff, "diff", false, "Highlight changed values")
		cmd.Flags().BoolVar(&watchClearTerm, "clear", true, "Clear terminal between updates")
		cmd.Flags().BoolVar(&watchTimestamp, "timestamp", true, "Show timestamps")
		cmd.Flags().StringVar(&watchLogFile, "log", "", "Log values to file (CSV format)")
		cmd.Flags().Float64Var(&watchAlertHigh, "alert-high", 0, "Alert when a value exceeds this threshold")
		cmd.Flags().Float64Var(&watchAlertLow, "alert-low", 0, "Alert when a value falls below this threshold")
	}
}

type watchState struct {
	master       *modbus.Master
	space        modbus.Space
	prev         []uint16
	iteration    int
	logFile      *os.File
	startTime    time.Time
	errorCount   int
	successCount int
}

func runWatch(space modbus.Space) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	master, err := openMaster(ctx)
	if err != nil {
		return err
	}

	state := &watchState{
		master:    master,
		space:     space,
		startTime: time.Now(),
	}
	defer state.cleanup()

	if watchLogFile != "" {
		f, err := os.Create(watchLogFile)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}
		state.logFile = f
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	if err := state.poll(ctx); err != nil {
		state.errorCount++
		outputWarning("Initial read failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nStopping watch...")
			state.printSummary()
			return nil
		case <-ticker.C:
			if err := state.poll(ctx); err != nil {
				state.errorCount++
				if verbose {
					outputWarning("Read failed: %v", err)
				}
				if !master.IsConnected() {
					state.printSummary()
					return fmt.Errorf("connection lost: %w", err)
				}
			}
			if watchCount > 0 && state.iteration >= watchCount {
				state.printSummary()
				return nil
			}
		}
	}
}

func (s *watchState) cleanup() {
	s.master.Close()
	if s.logFile != nil {
		s.logFile.Close()
	}
}

func (s *watchState) read(ctx context.Context) ([]uint16, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.space == modbus.SpaceInput {
		return s.master.ReadInputRegisters(readCtx, readAddr, readCount)
	}
	return s.master.ReadHoldingRegisters(readCtx, readAddr, readCount)
}

func (s *watchState) poll(ctx context.Context) error {
	values, err := s.read(ctx)
	if err != nil {
		return err
	}

	s.iteration++
	s.successCount++
	now := time.Now()

	if s.logFile != nil {
		s.logToFile(now, values)
	}
	defer func() { s.prev = values }()

	if outputFmt == "json" {
		return s.outputJSON(values, now)
	}

	if watchClearTerm && s.iteration > 1 {
		fmt.Print("\033[H\033[2J")
	}

	fmt.Printf("%s - Watching %s (Address %d-%d)\n",
		color(colorBold, "MODBUS WATCH"),
		s.space,
		readAddr,
		readAddr+readCount-1)
	fmt.Printf("Slave: %s | Unit: %d | Interval: %s\n", s.master.Endpoint(), s.master.UnitID(), watchInterval)
	if watchTimestamp {
		fmt.Printf("Time: %s | Iteration: %d", now.Format("15:04:05.000"), s.iteration)
		if watchCount > 0 {
			fmt.Printf("/%d", watchCount)
		}
		fmt.Println()
	}
	fmt.Println(strings.Repeat("-", 60))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDR\tVALUE\tHEX\tCHANGE")
	fmt.Fprintln(w, "----\t-----\t---\t------")

	for i, v := range values {
		change := ""
		if watchShowDiff && i < len(s.prev) {
			diff := int(v) - int(s.prev[i])
			if diff > 0 {
				change = color(colorGreen, fmt.Sprintf("+%d", diff))
			} else if diff < 0 {
				change = color(colorRed, fmt.Sprintf("%d", diff))
			}
		}
		change += alertMarker(float64(v))

		fmt.Fprintf(w, "%d\t%d\t0x%04X\t%s\n", readAddr+uint16(i), v, v, change)
	}
	return w.Flush()
}

func alertMarker(v float64) string {
	switch {
	case watchAlertHigh != 0 && v > watchAlertHigh:
		return " " + color(colorRed+colorBold, "HIGH!")
	case watchAlertLow != 0 && v < watchAlertLow:
		return " " + color(colorYellow+colorBold, "LOW!")
	}
	return ""
}

func (s *watchState) outputJSON(values []uint16, ts time.Time) error {
	data := struct {
		Timestamp string   `json:"timestamp"`
		Iteration int      `json:"iteration"`
		Space     string   `json:"space"`
		Address   uint16   `json:"start_address"`
		Values    []uint16 `json:"values"`
		ValuesHex []string `json:"values_hex"`
	}{
		Timestamp: ts.Format(time.RFC3339Nano),
		Iteration: s.iteration,
		Space:     s.space.String(),
		Address:   readAddr,
		Values:    values,
		ValuesHex: make([]string, len(values)),
	}
	for i, v := range values {
		data.ValuesHex[i] = fmt.Sprintf("0x%04X", v)
	}
	return json.NewEncoder(os.Stdout).Encode(data)
}

func (s *watchState) logToFile(ts time.Time, values []uint16) {
	if s.successCount == 1 {
		var header strings.Builder
		header.WriteString("timestamp")
		for i := range values {
			fmt.Fprintf(&header, ",addr_%d", int(readAddr)+i)
		}
		fmt.Fprintln(s.logFile, header.String())
	}

	var line strings.Builder
	line.WriteString(ts.Format(time.RFC3339))
	for _, v := range values {
		fmt.Fprintf(&line, ",%d", v)
	}
	fmt.Fprintln(s.logFile, line.String())
}

func (s *watchState) printSummary() {
	duration := time.Since(s.startTime)
	latency := s.master.Metrics().Latency.Stats()

	fmt.Println()
	fmt.Println(color(colorBold, "Watch Summary"))
	fmt.Println(strings.Repeat("-", 30))
	fmt.Printf("Duration:    %s\n", duration.Round(time.Millisecond))
	fmt.Printf("Iterations:  %d\n", s.iteration)
	fmt.Printf("Success:     %d\n", s.successCount)
	fmt.Printf("Errors:      %d\n", s.errorCount)
	if s.iteration > 0 {
		fmt.Printf("Avg Rate:    %.2f reads/sec\n", float64(s.iteration)/duration.Seconds())
		fmt.Printf("Avg Latency: %.2f ms\n", latency.Avg)
	}
}

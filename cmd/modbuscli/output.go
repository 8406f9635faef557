package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorWhite  = "\033[37m"
	colorBold   = "\033[1m"
)

// colorSupported reports whether stdout is a terminal that renders ANSI codes.
func colorSupported() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

func outputError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+msg)
}

func outputWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorYellow, "WARN")+" "+msg)
}

func outputInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorCyan, "INFO")+" "+msg)
}

// RegisterResult is one decoded value. Multi-register formats span
// Address through End.
type RegisterResult struct {
	Address uint16      `json:"address"`
	End     uint16      `json:"-"`
	Raw     uint16      `json:"raw"`
	Hex     string      `json:"hex"`
	Value   interface{} `json:"value"`
	Format  string      `json:"format,omitempty"`
}

// registerWidth is the number of registers one value of format occupies.
func registerWidth(format string) int {
	switch format {
	case "uint32", "int32", "float32":
		return 2
	case "float64":
		return 4
	default:
		return 1
	}
}

// decodeRegisters groups values by the width of format, dropping a trailing
// partial group.
func decodeRegisters(startAddr uint16, values []uint16, format string) []RegisterResult {
	if format == "" {
		format = "uint16"
	}
	width := registerWidth(format)
	results := make([]RegisterResult, 0, len(values)/width)
	for i := 0; i+width <= len(values); i += width {
		r := RegisterResult{
			Address: startAddr + uint16(i),
			End:     startAddr + uint16(i+width-1),
			Raw:     values[i],
			Format:  format,
		}
		switch format {
		case "int16":
			r.Value, r.Hex = int16(values[i]), fmt.Sprintf("0x%04X", values[i])
		case "uint32":
			v := combineRegisters(values[i], values[i+1])
			r.Value, r.Hex = v, fmt.Sprintf("0x%08X", v)
		case "int32":
			v := combineRegisters(values[i], values[i+1])
			r.Value, r.Hex = int32(v), fmt.Sprintf("0x%08X", v)
		case "float32":
			v := combineRegisters(values[i], values[i+1])
			r.Value, r.Hex = math.Float32frombits(v), fmt.Sprintf("0x%08X", v)
		case "float64":
			v := combineRegisters64(values[i], values[i+1], values[i+2], values[i+3])
			r.Value, r.Hex = math.Float64frombits(v), fmt.Sprintf("0x%016X", v)
		default:
			r.Format = "uint16"
			r.Value, r.Hex = values[i], fmt.Sprintf("0x%04X", values[i])
		}
		results = append(results, r)
	}
	return results
}

// registerString reads values as big-endian ASCII, trailing NULs removed.
func registerString(values []uint16) string {
	var sb strings.Builder
	for _, v := range values {
		sb.WriteByte(byte(v >> 8))
		sb.WriteByte(byte(v))
	}
	return strings.TrimRight(sb.String(), "\x00")
}

func outputRegisterValues(title string, startAddr uint16, values []uint16, format string) error {
	switch outputFmt {
	case "json":
		return outputRegisterJSON(decodeRegisters(startAddr, values, format))
	case "csv":
		return outputRegisterCSV(decodeRegisters(startAddr, values, format))
	case "raw":
		return outputRegisterRaw(values)
	case "hex":
		return outputRegisterHex(values)
	default:
		return outputRegisterTable(title, startAddr, values, format)
	}
}

func outputRegisterTable(title string, startAddr uint16, values []uint16, format string) error {
	fmt.Printf("\n%s (Address %d-%d, Count: %d)\n",
		color(colorBold, title), startAddr, int(startAddr)+len(values)-1, len(values))
	fmt.Println(strings.Repeat("-", 60))

	if format == "string" {
		fmt.Printf("STRING VALUE:\n%s\n\n", registerString(values))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	results := decodeRegisters(startAddr, values, format)
	if registerWidth(format) == 1 {
		fmt.Fprintln(w, "ADDRESS\tVALUE\tHEX\tBINARY")
		fmt.Fprintln(w, "-------\t-----\t---\t------")
		for _, r := range results {
			fmt.Fprintf(w, "%d\t%v\t%s\t%016b\n", r.Address, r.Value, r.Hex, r.Raw)
		}
	} else {
		fmt.Fprintln(w, "ADDRESS\tVALUE\tHEX")
		fmt.Fprintln(w, "-------\t-----\t---")
		for _, r := range results {
			fmt.Fprintf(w, "%d-%d\t%v\t%s\n", r.Address, r.End, r.Value, r.Hex)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Println()
	return nil
}

func outputRegisterJSON(results []RegisterResult) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func outputRegisterCSV(results []RegisterResult) error {
	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"address", "raw", "hex", "value"})
	for _, r := range results {
		w.Write([]string{
			strconv.Itoa(int(r.Address)),
			strconv.Itoa(int(r.Raw)),
			r.Hex,
			fmt.Sprint(r.Value),
		})
	}
	w.Flush()
	return w.Error()
}

func outputRegisterRaw(values []uint16) error {
	for _, v := range values {
		fmt.Printf("%d\n", v)
	}
	return nil
}

func outputRegisterHex(values []uint16) error {
	for i, v := range values {
		if i > 0 {
			fmt.Print(" ")
		}
		fmt.Printf("%04X", v)
	}
	fmt.Println()
	return nil
}

func combineRegisters(high, low uint16) uint32 {
	if wordOrder == "little" {
		return uint32(low)<<16 | uint32(high)
	}
	return uint32(high)<<16 | uint32(low)
}

func combineRegisters64(r0, r1, r2, r3 uint16) uint64 {
	if wordOrder == "little" {
		return uint64(r3)<<48 | uint64(r2)<<32 | uint64(r1)<<16 | uint64(r0)
	}
	return uint64(r0)<<48 | uint64(r1)<<32 | uint64(r2)<<16 | uint64(r3)
}

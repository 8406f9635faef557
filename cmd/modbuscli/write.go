package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var (
	writeAddr   uint16
	writeValues []string
)

var writeCmd = &cobra.Command{
	Use:     "write",
	Aliases: []string{"w"},
	Short:   "Write holding registers on a Modbus slave",
	Long:    `Write one or more holding registers on a Modbus slave over TCP or RTU.`,
}

// Write single register (FC06)
var writeRegisterCmd = &cobra.Command{
	Use:     "register",
	Aliases: []string{"reg", "r"},
	Short:   "Write single register (FC06)",
	Long: `Write a single holding register using function code 06.

Value can be decimal, negative decimal (int16), hexadecimal (0x prefix),
octal (0o prefix) or binary (0b prefix).`,
	Example: `  modbuscli write register -a 0 -V 1234 -H 192.168.1.100
  modbuscli w r -a 100 -V 0xFF00
  modbuscli w r -a 50 -V -12`,
	RunE: runWriteRegister,
}

// Write multiple registers (FC16)
var writeRegistersCmd = &cobra.Command{
	Use:     "registers",
	Aliases: []string{"regs", "rs"},
	Short:   "Write multiple registers (FC16)",
	Long: `Write up to 123 holding registers using function code 16.

Values can be comma-separated or space-separated.`,
	Example: `  modbuscli write registers -a 0 -V 100,200,300 -H 192.168.1.100
  modbuscli w rs -a 100 -V "0x1234 0x5678"`,
	RunE: runWriteRegisters,
}

func init() {
	writeCmd.AddCommand(writeRegisterCmd)
	writeCmd.AddCommand(writeRegistersCmd)

	for _, cmd := range []*cobra.Command{writeRegisterCmd, writeRegistersCmd} {
		cmd.Flags().Uint16VarP(&writeAddr, "address", "a", 0, "Starting address")
		cmd.Flags().StringSliceVarP(&writeValues, "values", "V", nil, "Values to write")
		cmd.MarkFlagRequired("values")
	}
}

func runWriteRegister(cmd *cobra.Command, args []string) error {
	if len(writeValues) == 0 {
		return fmt.Errorf("value required")
	}

	value, err := parseUint16Value(writeValues[0])
	if err != nil {
		return fmt.Errorf("invalid register value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()

	master, err := openMaster(ctx)
	if err != nil {
		return err
	}
	defer master.Close()

	if err := master.WriteHoldingRegister(ctx, writeAddr, value); err != nil {
		return fmt.Errorf("write register failed: %w", err)
	}

	outputSuccess("Wrote register %d = %d (0x%04X)", writeAddr, value, value)
	return nil
}

func runWriteRegisters(cmd *cobra.Command, args []string) error {
	values, err := parseUint16Values(writeValues)
	if err != nil {
		return fmt.Errorf("invalid register values: %w", err)
	}
	if len(values) == 0 {
		return fmt.Errorf("at least one value required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()

	master, err := openMaster(ctx)
	if err != nil {
		return err
	}
	defer master.Close()

	if err := master.WriteHoldingRegisters(ctx, writeAddr, values); err != nil {
		return fmt.Errorf("write registers failed: %w", err)
	}

	outputSuccess("Wrote %d registers starting at address %d", len(values), writeAddr)
	return nil
}

func parseUint16Value(s string) (uint16, error) {
	s = strings.TrimSpace(s)

	var value uint64
	var err error

	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		value, err = strconv.ParseUint(s[2:], 16, 16)
	case strings.HasPrefix(s, "0b") || strings.HasPrefix(s, "0B"):
		value, err = strconv.ParseUint(s[2:], 2, 16)
	case strings.HasPrefix(s, "0o") || strings.HasPrefix(s, "0O"):
		value, err = strconv.ParseUint(s[2:], 8, 16)
	case strings.HasPrefix(s, "-"):
		var signed int64
		signed, err = strconv.ParseInt(s, 10, 16)
		value = uint64(uint16(int16(signed)))
	default:
		value, err = strconv.ParseUint(s, 10, 16)
	}

	if err != nil {
		return 0, fmt.Errorf("invalid uint16 value: %s", s)
	}
	return uint16(value), nil
}

func parseUint16Values(values []string) ([]uint16, error) {
	var result []uint16
	for _, v := range values {
		// Split on comma and space
		parts := strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ' '
		})
		for _, p := range parts {
			u, err := parseUint16Value(p)
			if err != nil {
				return nil, err
			}
			result = append(result, u)
		}
	}
	return result, nil
}

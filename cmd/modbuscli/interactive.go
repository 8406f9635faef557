package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus"
)

var interactiveCmd = &cobra.Command{
	Use:     "interactive",
	Aliases: []string{"i", "repl", "shell"},
	Short:   "Start interactive Modbus master shell",
	Long: `Start an interactive shell driving a Modbus master.

Available commands:
  connect [host[:port]|device]  - Open the link (defaults from flags)
  close                         - Close the link
  unit [id]                     - Set or show the unit ID (-1 clears it)
  status                        - Show link status and metrics

  rhr <addr> [count] [format]   - Read holding registers
  rir <addr> [count] [format]   - Read input registers
  whr <addr> <value>            - Write single holding register
  whrs <addr> <v1,v2,...>       - Write multiple holding registers

  output <format>               - Set output format (table/json/csv/hex/raw)
  format <type>                 - Set register format (uint16/int16/etc)

  help                          - Show help
  quit                          - Exit`,
	Example: `  modbuscli interactive -H 192.168.1.100
  modbuscli i --mode rtu --device /dev/ttyUSB0 --baud 19200 -u 3`,
	RunE: runInteractive,
}

var errQuit = errors.New("quit")

type interactiveSession struct {
	master    *modbus.Master
	endpoint  modbus.Endpoint
	regFormat string
}

func runInteractive(cmd *cobra.Command, args []string) error {
	ep, err := endpoint()
	if err != nil {
		return err
	}
	master, err := createMaster()
	if err != nil {
		return err
	}
	s := &interactiveSession{
		master:    master,
		endpoint:  ep,
		regFormat: "uint16",
	}
	defer s.master.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.prompt(),
		HistoryFile:     historyFile(),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer rl.Close()

	fmt.Println(color(colorBold, "Modbus Interactive Shell"))
	fmt.Println("Type 'help' for available commands, 'quit' to exit")
	fmt.Println()

	if cmd.Flags().Changed("host") || cmd.Flags().Changed("port") || cmd.Flags().Changed("device") {
		if err := s.connect(nil); err != nil {
			outputWarning("Auto-connect failed: %v", err)
		}
	}

	for {
		rl.SetPrompt(s.prompt())
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := s.execute(line); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			outputError("%v", err)
		}
	}

	fmt.Println("\nGoodbye!")
	return nil
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".modbuscli_history")
}

func completer() *readline.PrefixCompleter {
	formats := []readline.PrefixCompleterInterface{
		readline.PcItem("uint16"), readline.PcItem("int16"), readline.PcItem("uint32"),
		readline.PcItem("int32"), readline.PcItem("float32"), readline.PcItem("float64"),
		readline.PcItem("string"),
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("connect"),
		readline.PcItem("close"),
		readline.PcItem("unit"),
		readline.PcItem("status"),
		readline.PcItem("rhr"),
		readline.PcItem("rir"),
		readline.PcItem("whr"),
		readline.PcItem("whrs"),
		readline.PcItem("output",
			readline.PcItem("table"), readline.PcItem("json"), readline.PcItem("csv"),
			readline.PcItem("hex"), readline.PcItem("raw"),
		),
		readline.PcItem("format", formats...),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

func (s *interactiveSession) prompt() string {
	status := color(colorRed, "closed")
	if s.master.IsConnected() {
		status = color(colorGreen, s.endpoint.String())
	}
	unit := "-"
	if id := s.master.UnitID(); id != modbus.UnitUnset {
		unit = strconv.Itoa(id)
	}
	return fmt.Sprintf("modbus[%s]@%s> ", status, unit)
}

func (s *interactiveSession) execute(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "quit", "exit", "q":
		return errQuit
	case "help", "h", "?":
		s.showHelp()
		return nil
	case "connect", "conn", "c":
		return s.connect(args)
	case "close", "disconnect", "d":
		if err := s.master.Close(); err != nil {
			return err
		}
		outputInfo("Closed")
		return nil
	case "status", "stat", "s":
		s.showStatus()
		return nil
	case "unit", "u":
		if len(args) < 1 {
			fmt.Printf("Current unit ID: %d\n", s.master.UnitID())
			return nil
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid unit ID %q", args[0])
		}
		if err := s.master.SetUnitID(id); err != nil {
			return err
		}
		fmt.Printf("Unit ID set to %d\n", s.master.UnitID())
		return nil
	case "output", "out", "o":
		if len(args) < 1 {
			fmt.Printf("Current output format: %s\n", outputFmt)
			return nil
		}
		switch args[0] {
		case "table", "json", "csv", "hex", "raw":
			outputFmt = args[0]
			fmt.Printf("Output format set to %s\n", outputFmt)
		default:
			return fmt.Errorf("invalid format: %s", args[0])
		}
		return nil
	case "format", "fmt", "f":
		if len(args) < 1 {
			fmt.Printf("Current register format: %s\n", s.regFormat)
			return nil
		}
		s.regFormat = args[0]
		fmt.Printf("Register format set to %s\n", s.regFormat)
		return nil
	case "rhr", "readholding":
		return s.readRegisters(modbus.SpaceHolding, args)
	case "rir", "readinput":
		return s.readRegisters(modbus.SpaceInput, args)
	case "whr", "wr", "writereg":
		return s.writeRegister(args)
	case "whrs", "wrs", "writeregs":
		return s.writeRegisters(args)
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

// connect opens the link, optionally overriding the TCP address or serial device.
func (s *interactiveSession) connect(args []string) error {
	ep := s.endpoint
	if len(args) > 0 {
		switch e := ep.(type) {
		case modbus.TCPEndpoint:
			e.Host = args[0]
			if h, p, err := net.SplitHostPort(args[0]); err == nil {
				n, err := strconv.Atoi(p)
				if err != nil {
					return fmt.Errorf("invalid port %q", p)
				}
				e.Host, e.Port = h, n
			}
			ep = e
		case modbus.SerialEndpoint:
			e.Device = args[0]
			ep = e
		}
	}

	if err := s.master.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.master.Open(ctx, ep); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	s.endpoint = ep
	outputSuccess("Connected to %s", ep)
	return nil
}

func (s *interactiveSession) showStatus() {
	fmt.Println()
	fmt.Println(color(colorBold, "Link Status"))
	fmt.Println(strings.Repeat("-", 30))
	if s.master.IsConnected() {
		fmt.Printf("Status:        %s\n", color(colorGreen, "Connected"))
	} else {
		fmt.Printf("Status:        %s\n", color(colorRed, s.master.State().String()))
	}
	fmt.Printf("Endpoint:      %s\n", s.endpoint)
	fmt.Printf("Unit ID:       %d\n", s.master.UnitID())
	fmt.Printf("Output:        %s\n", outputFmt)
	fmt.Printf("Reg Format:    %s\n", s.regFormat)
	fmt.Printf("Timeout:       %s\n", timeout)

	m := s.master.Metrics()
	fmt.Printf("Requests:      %d (ok %d, errors %d, timeouts %d, exceptions %d)\n",
		m.RequestsTotal.Value(), m.RequestsSuccess.Value(), m.RequestsErrors.Value(),
		m.Timeouts.Value(), m.Exceptions.Value())
	if stats := m.Latency.Stats(); stats.Count > 0 {
		fmt.Printf("Latency:       avg %.2fms, min %.2fms, max %.2fms\n", stats.Avg, stats.Min, stats.Max)
	}
	fmt.Println()
}

func (s *interactiveSession) showHelp() {
	help := `
Commands:
  Link:
    connect [host[:port]|device]    Open the link
    close                           Close the link
    unit [id]                       Set/show unit ID (0-255, -1 clears)
    status                          Show link status and metrics

  Read Operations:
    rhr <addr> [count] [format]     Read holding registers (FC03)
    rir <addr> [count] [format]     Read input registers (FC04)

  Write Operations:
    whr <addr> <value>              Write single register (FC06)
    whrs <addr> <v1,v2,...>         Write multiple registers (FC16)

  Settings:
    output <format>        Set output format (table/json/csv/hex/raw)
    format <type>          Set register format (uint16/int16/uint32/int32/float32/float64/string)

  General:
    help                   Show this help
    quit                   Exit interactive mode
`
	fmt.Println(help)
}

func (s *interactiveSession) requireConnection() error {
	if !s.master.IsConnected() {
		return fmt.Errorf("not connected (use 'connect' first)")
	}
	return nil
}

func parseAddr(arg string) (uint16, error) {
	v, err := strconv.ParseUint(arg, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", arg)
	}
	return uint16(v), nil
}

func (s *interactiveSession) readRegisters(space modbus.Space, args []string) error {
	if err := s.requireConnection(); err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: <addr> [count] [format]")
	}

	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	count := uint16(1)
	if len(args) >= 2 {
		c, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid count %q", args[1])
		}
		count = uint16(c)
	}
	format := s.regFormat
	if len(args) >= 3 {
		format = args[2]
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if space == modbus.SpaceInput {
		values, err := s.master.ReadInputRegisters(ctx, addr, count)
		if err != nil {
			return err
		}
		return outputRegisterValues("Input Registers", addr, values, format)
	}
	values, err := s.master.ReadHoldingRegisters(ctx, addr, count)
	if err != nil {
		return err
	}
	return outputRegisterValues("Holding Registers", addr, values, format)
}

func (s *interactiveSession) writeRegister(args []string) error {
	if err := s.requireConnection(); err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: whr <addr> <value>")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	value, err := parseUint16Value(args[1])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.master.WriteHoldingRegister(ctx, addr, value); err != nil {
		return err
	}
	outputSuccess("Wrote register %d = %d (0x%04X)", addr, value, value)
	return nil
}

func (s *interactiveSession) writeRegisters(args []string) error {
	if err := s.requireConnection(); err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: whrs <addr> <v1,v2,...>")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	values, err := parseUint16Values(args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.master.WriteHoldingRegisters(ctx, addr, values); err != nil {
		return err
	}
	outputSuccess("Wrote %d registers starting at address %d", len(values), addr)
	return nil
}

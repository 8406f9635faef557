package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus"
)

var (
	slaveSpace   string
	slaveStart   uint16
	slaveCount   int
	slaveRefresh time.Duration
	slaveSet     []string
)

var slaveCmd = &cobra.Command{
	Use:     "slave",
	Aliases: []string{"serve", "server"},
	Short:   "Serve a register window as a Modbus slave",
	Long: `Serve holding and input registers over TCP or RTU.

Both spaces share the window given by --start and --count. The count is
clamped to [0,100]. The snapshot of --space is printed every --refresh
until interrupted.

Initial values are given with --set SPACE:ADDR=VALUE where SPACE is hr
or ir and VALUE accepts decimal, 0x, 0b or 0o notation.`,
	Example: `  # Serve 20 registers from address 0 on port 5020 for any unit
  modbuscli slave --count 20 -H 0.0.0.0 -p 5020 -u -1

  # Serve on a serial line as unit 3 with initial values
  modbuscli slave --mode rtu --device /dev/ttyUSB1 -u 3 --set hr:0=0x1234 --set ir:5=42`,
	RunE: runSlave,
}

func init() {
	slaveCmd.Flags().StringVar(&slaveSpace, "space", "hr", "Register space to display: hr, ir")
	slaveCmd.Flags().Uint16Var(&slaveStart, "start", 0, "First register address of the window")
	slaveCmd.Flags().IntVar(&slaveCount, "count", 10, "Number of registers in the window (0-100)")
	slaveCmd.Flags().DurationVar(&slaveRefresh, "refresh", 1*time.Second, "Display refresh interval")
	slaveCmd.Flags().StringArrayVar(&slaveSet, "set", nil, "Initial value SPACE:ADDR=VALUE (repeatable)")
}

// assignment is one parsed --set value.
type assignment struct {
	space modbus.Space
	addr  uint16
	value uint16
}

func parseAssignment(s string) (assignment, error) {
	spacePart, rest, ok := strings.Cut(s, ":")
	if !ok {
		return assignment{}, fmt.Errorf("invalid assignment %q (want SPACE:ADDR=VALUE)", s)
	}
	addrPart, valuePart, ok := strings.Cut(rest, "=")
	if !ok {
		return assignment{}, fmt.Errorf("invalid assignment %q (want SPACE:ADDR=VALUE)", s)
	}

	space, err := parseSpace(spacePart)
	if err != nil {
		return assignment{}, err
	}
	addr, err := parseAddr(strings.TrimSpace(addrPart))
	if err != nil {
		return assignment{}, err
	}
	value, err := parseUint16Value(valuePart)
	if err != nil {
		return assignment{}, err
	}
	return assignment{space: space, addr: addr, value: value}, nil
}

func runSlave(cmd *cobra.Command, args []string) error {
	display, err := parseSpace(slaveSpace)
	if err != nil {
		return err
	}
	assignments := make([]assignment, 0, len(slaveSet))
	for _, s := range slaveSet {
		a, err := parseAssignment(s)
		if err != nil {
			return err
		}
		assignments = append(assignments, a)
	}

	ep, err := endpoint()
	if err != nil {
		return err
	}

	window := modbus.Window{Start: slaveStart, Count: modbus.ClampCount(slaveCount)}
	if window.Count != slaveCount {
		outputWarning("Register count %d clamped to %d", slaveCount, window.Count)
	}

	slave := modbus.NewSlave(
		modbus.WithServerLogger(logger),
		modbus.WithIOTimeout(viper.GetDuration("timeout")),
		modbus.WithRegisterWindows(window, window),
	)
	if err := slave.SetUnitID(viper.GetInt("unit")); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := slave.Open(ctx, ep); err != nil {
		return err
	}
	defer slave.Close()

	for _, a := range assignments {
		var err error
		if a.space == modbus.SpaceInput {
			err = slave.WriteInputRegisters(a.addr, []uint16{a.value})
		} else {
			err = slave.WriteHoldingRegisters(a.addr, []uint16{a.value})
		}
		if err != nil {
			return fmt.Errorf("--set %s:%d: %w", a.space, a.addr, err)
		}
	}

	listening := ep.String()
	if addr := slave.Addr(); addr != nil {
		listening = "tcp://" + addr.String()
	}
	outputSuccess("Serving %s registers %d-%d on %s (unit %s)",
		display, window.Start, window.End()-1, listening, unitLabel(slave.UnitID()))

	ticker := time.NewTicker(slaveRefresh)
	defer ticker.Stop()

	var prev []uint16
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return slave.Close()
		case <-ticker.C:
			w, values, err := slave.Snapshot(display)
			if err != nil {
				return err
			}
			if err := printSnapshot(slave, display, w, values, prev); err != nil {
				return err
			}
			prev = values
		}
	}
}

func unitLabel(id int) string {
	if id == modbus.UnitUnset {
		return "any"
	}
	return fmt.Sprintf("%d", id)
}

func printSnapshot(slave *modbus.Slave, space modbus.Space, w modbus.Window, values, prev []uint16) error {
	if outputFmt != "table" {
		return outputRegisterValues(space.String(), w.Start, values, "uint16")
	}

	fmt.Print("\033[H\033[2J")
	m := slave.Metrics()
	fmt.Printf("%s - %s registers %d-%d | %s\n",
		color(colorBold, "MODBUS SLAVE"), space, w.Start, w.End()-1, time.Now().Format("15:04:05"))
	fmt.Printf("Requests: %d | Exceptions: %d | Dropped: %d | Clients: %d\n",
		m.RequestsTotal.Value(), m.RequestsErrors.Value(), m.DroppedFrames.Value(), slave.ActiveConnections())
	fmt.Println(strings.Repeat("-", 50))

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDR\tVALUE\tHEX")
	fmt.Fprintln(tw, "----\t-----\t---")
	for i, v := range values {
		val := fmt.Sprintf("%d", v)
		if i < len(prev) && prev[i] != v {
			val = color(colorYellow, val)
		}
		fmt.Fprintf(tw, "%d\t%s\t0x%04X\n", int(w.Start)+i, val, v)
	}
	return tw.Flush()
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus"
)

var (
	cfgFile string

	// Global flags
	mode      string
	host      string
	port      int
	device    string
	baudRate  int
	parity    string
	dataBits  int
	stopBits  int
	unitID    int
	timeout   time.Duration
	outputFmt string
	verbose   bool
	noColor   bool
	wordOrder string

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbuscli",
	Short: "Modbus master and slave over TCP and RTU",
	Long: `modbuscli reads and writes holding and input registers on Modbus devices,
and can itself act as a slave serving a register window.

Features:
  - Read/write holding and input registers (FC03, FC04, FC06, FC16)
  - Modbus/TCP and Modbus RTU over a serial line
  - Multiple output formats (table, json, csv, hex, raw)
  - Unit scanning and register dumps
  - Continuous monitoring (watch mode)
  - Interactive REPL mode
  - Slave mode with a live register view
  - Configuration file support

Examples:
  # Read 10 holding registers from address 0
  modbuscli read hr -a 0 -c 10 -H 192.168.1.100

  # Read input registers from unit 3 on a serial line
  modbuscli read ir -a 0 -c 4 --mode rtu --device /dev/ttyUSB0 --baud 19200 -u 3

  # Write value 1234 to register 100
  modbuscli write register -a 100 -V 1234 -H 192.168.1.100

  # Serve 20 holding registers on port 5020
  modbuscli slave --space hr --start 0 --count 20 -p 5020

  # Interactive mode
  modbuscli interactive -H 192.168.1.100`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logger
		level := slog.LevelInfo
		if viper.GetBool("verbose") {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
		noColor = noColor || !colorSupported()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Configuration file
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbuscli.yaml)")

	// Link flags
	rootCmd.PersistentFlags().StringVarP(&mode, "mode", "m", "tcp", "Link: tcp or rtu")
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "localhost", "Modbus TCP host (bind address in slave mode)")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", modbus.DefaultPort, "Modbus TCP port")
	rootCmd.PersistentFlags().StringVarP(&device, "device", "d", "/dev/ttyUSB0", "Serial device for RTU")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 9600, "Serial baud rate")
	rootCmd.PersistentFlags().StringVar(&parity, "parity", "N", "Serial parity: N, E, O")
	rootCmd.PersistentFlags().IntVar(&dataBits, "data-bits", 8, "Serial data bits")
	rootCmd.PersistentFlags().IntVar(&stopBits, "stop-bits", 1, "Serial stop bits")
	rootCmd.PersistentFlags().IntVarP(&unitID, "unit", "u", 1, "Modbus unit ID (0-255, -1 for none)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", modbus.DefaultTimeout, "Response timeout")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, csv, hex, raw")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	// Data format flags
	rootCmd.PersistentFlags().StringVar(&wordOrder, "word-order", "big", "Word order for 32-bit values: big, little")

	// Bind to viper
	for _, name := range []string{
		"mode", "host", "port", "device", "baud", "parity", "data-bits", "stop-bits",
		"unit", "timeout", "output", "verbose",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	// Add commands
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(interactiveCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(slaveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".modbuscli")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODBUS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// endpoint builds the link described by the flags and config file.
func endpoint() (modbus.Endpoint, error) {
	switch viper.GetString("mode") {
	case "tcp", "":
		return modbus.TCPEndpoint{
			Host: viper.GetString("host"),
			Port: viper.GetInt("port"),
		}, nil
	case "rtu":
		p, err := modbus.ParseParity(viper.GetString("parity"))
		if err != nil {
			return nil, err
		}
		return modbus.SerialEndpoint{
			Device:   viper.GetString("device"),
			BaudRate: viper.GetInt("baud"),
			Parity:   p,
			DataBits: viper.GetInt("data-bits"),
			StopBits: viper.GetInt("stop-bits"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q (want tcp or rtu)", viper.GetString("mode"))
	}
}

func createMaster() (*modbus.Master, error) {
	m := modbus.NewMaster(
		modbus.WithTimeout(viper.GetDuration("timeout")),
		modbus.WithLogger(logger),
	)
	if err := m.SetUnitID(viper.GetInt("unit")); err != nil {
		return nil, err
	}
	return m, nil
}

// openMaster creates a master and opens it on the configured endpoint.
func openMaster(ctx context.Context) (*modbus.Master, error) {
	ep, err := endpoint()
	if err != nil {
		return nil, err
	}
	m, err := createMaster()
	if err != nil {
		return nil, err
	}
	if err := m.Open(ctx, ep); err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return m, nil
}

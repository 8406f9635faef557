package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus"
)

var (
	scanStartUnit uint8
	scanEndUnit   uint8
	scanStartAddr uint16
	scanEndAddr   uint16
	scanWorkers   int
	scanTimeout   time.Duration
	scanType      string
	scanSpace     string
	scanNetwork   string
	scanPortStart int
	scanPortEnd   int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for Modbus slaves",
	Long: `Scan for Modbus slaves on the network or detect active unit IDs.

Scan types:
  units     - Probe unit IDs on one link (default)
  network   - Probe a TCP network range for Modbus slaves
  registers - Probe address ranges to find served registers`,
	Example: `  # Scan for active unit IDs on a host
  modbuscli scan -H 192.168.1.100

  # Scan unit IDs 1-10 on a serial bus
  modbuscli scan --start-unit 1 --end-unit 10 --mode rtu --device /dev/ttyUSB0

  # Scan network for Modbus slaves
  modbuscli scan --type network --network 192.168.1.0/24

  # Scan for served input registers
  modbuscli scan --type registers --space ir -a 0 -e 1000 -H 192.168.1.100`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().Uint8Var(&scanStartUnit, "start-unit", 1, "Start unit ID for scanning")
	scanCmd.Flags().Uint8Var(&scanEndUnit, "end-unit", 247, "End unit ID for scanning")
	scanCmd.Flags().Uint16VarP(&scanStartAddr, "start-addr", "a", 0, "Start address for register scanning")
	scanCmd.Flags().Uint16VarP(&scanEndAddr, "end-addr", "e", 100, "End address for register scanning")
	scanCmd.Flags().IntVar(&scanWorkers, "workers", 10, "Number of concurrent workers (TCP only)")
	scanCmd.Flags().DurationVar(&scanTimeout, "scan-timeout", 1*time.Second, "Timeout for each scan attempt")
	scanCmd.Flags().StringVar(&scanType, "type", "units", "Scan type: units, network, registers")
	scanCmd.Flags().StringVar(&scanSpace, "space", "hr", "Register space for register scanning: hr, ir")
	scanCmd.Flags().StringVar(&scanNetwork, "network", "", "Network CIDR for network scan (e.g., 192.168.1.0/24)")
	scanCmd.Flags().IntVar(&scanPortStart, "port-start", modbus.DefaultPort, "Start port for network scan")
	scanCmd.Flags().IntVar(&scanPortEnd, "port-end", modbus.DefaultPort, "End port for network scan")
}

type ScanResult struct {
	Address     string        `json:"address,omitempty"`
	UnitID      uint8         `json:"unit_id,omitempty"`
	StartAddr   uint16        `json:"start_addr,omitempty"`
	EndAddr     uint16        `json:"end_addr,omitempty"`
	Responsive  bool          `json:"responsive"`
	Error       string        `json:"error,omitempty"`
	Latency     time.Duration `json:"latency_ms,omitempty"`
	RegisterQty int           `json:"register_qty,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	switch scanType {
	case "units":
		return scanUnits()
	case "network":
		return scanNetworkDevices()
	case "registers":
		return scanRegisters()
	default:
		return fmt.Errorf("unknown scan type: %s", scanType)
	}
}

func parseSpace(s string) (modbus.Space, error) {
	switch strings.ToLower(s) {
	case "hr", "holding":
		return modbus.SpaceHolding, nil
	case "ir", "input":
		return modbus.SpaceInput, nil
	default:
		return 0, fmt.Errorf("unknown register space %q (want hr or ir)", s)
	}
}

// answered reports whether err still proves a slave replied.
func answered(err error) bool {
	var modbusErr *modbus.ModbusError
	return err == nil || errors.As(err, &modbusErr)
}

func scanUnits() error {
	ep, err := endpoint()
	if err != nil {
		return err
	}
	outputInfo("Scanning unit IDs %d-%d on %s...", scanStartUnit, scanEndUnit, ep)

	var results []ScanResult
	if _, serial := ep.(modbus.SerialEndpoint); serial {
		// one bus, one master
		results, err = scanUnitsSequential(ep)
		if err != nil {
			return err
		}
	} else {
		p := pool.NewWithResults[ScanResult]().WithMaxGoroutines(max(scanWorkers, 1))
		for uid := int(scanStartUnit); uid <= int(scanEndUnit); uid++ {
			p.Go(func() ScanResult {
				return probeUnit(ep, uint8(uid))
			})
		}
		for _, r := range p.Wait() {
			if r.Responsive {
				results = append(results, r)
			}
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].UnitID < results[j].UnitID
	})
	return outputScanResults("Unit Scan Results", results)
}

func scanUnitsSequential(ep modbus.Endpoint) ([]ScanResult, error) {
	master := modbus.NewMaster(modbus.WithTimeout(scanTimeout), modbus.WithLogger(logger))
	defer master.Close()

	ctx := context.Background()
	if err := master.Open(ctx, ep); err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	var results []ScanResult
	for uid := int(scanStartUnit); uid <= int(scanEndUnit); uid++ {
		master.SetUnitID(uid)
		start := time.Now()
		_, err := master.ReadHoldingRegisters(ctx, 0, 1)
		if answered(err) {
			results = append(results, ScanResult{
				Address:    ep.String(),
				UnitID:     uint8(uid),
				Responsive: true,
				Latency:    time.Since(start),
			})
		}
	}
	return results, nil
}

func probeUnit(ep modbus.Endpoint, unitID uint8) ScanResult {
	result := ScanResult{
		Address: ep.String(),
		UnitID:  unitID,
	}

	master := modbus.NewMaster(
		modbus.WithUnitID(modbus.UnitID(unitID)),
		modbus.WithTimeout(scanTimeout),
		modbus.WithLogger(logger),
	)
	defer master.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*scanTimeout)
	defer cancel()

	if err := master.Open(ctx, ep); err != nil {
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	_, err := master.ReadHoldingRegisters(ctx, 0, 1)
	if err != nil {
		result.Error = err.Error()
	}
	// an exception reply still means the unit is there
	if answered(err) {
		result.Responsive = true
		result.Latency = time.Since(start)
	}
	return result
}

func scanNetworkDevices() error {
	if scanNetwork == "" {
		return fmt.Errorf("--network flag is required for network scan")
	}

	hosts, err := expandCIDR(scanNetwork)
	if err != nil {
		return fmt.Errorf("invalid network CIDR: %w", err)
	}

	outputInfo("Scanning %d hosts on network %s...", len(hosts), scanNetwork)

	p := pool.NewWithResults[ScanResult]().WithMaxGoroutines(max(scanWorkers, 1))
	for _, host := range hosts {
		for port := scanPortStart; port <= scanPortEnd; port++ {
			p.Go(func() ScanResult {
				return probeHost(modbus.TCPEndpoint{Host: host, Port: port})
			})
		}
	}

	var results []ScanResult
	for _, r := range p.Wait() {
		if r.Responsive {
			results = append(results, r)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Address < results[j].Address
	})

	return outputScanResults("Network Scan Results", results)
}

func probeHost(ep modbus.TCPEndpoint) ScanResult {
	// skip closed ports before paying for a Modbus round trip
	conn, err := net.DialTimeout("tcp", ep.Address(), scanTimeout)
	if err != nil {
		return ScanResult{Address: ep.String(), UnitID: 1, Error: err.Error()}
	}
	conn.Close()

	return probeUnit(ep, 1)
}

func scanRegisters() error {
	space, err := parseSpace(scanSpace)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*10)
	defer cancel()

	master, err := openMaster(ctx)
	if err != nil {
		return err
	}
	defer master.Close()

	outputInfo("Scanning %s registers %d-%d on %s (unit %d)...",
		space, scanStartAddr, scanEndAddr, master.Endpoint(), master.UnitID())

	read := func(addr, qty uint16) error {
		readCtx, readCancel := context.WithTimeout(ctx, scanTimeout)
		defer readCancel()
		if space == modbus.SpaceInput {
			_, err := master.ReadInputRegisters(readCtx, addr, qty)
			return err
		}
		_, err := master.ReadHoldingRegisters(readCtx, addr, qty)
		return err
	}

	var results []ScanResult
	for _, b := range splitBatches(scanStartAddr, scanEndAddr, 10) {
		err := read(b.addr, b.qty)
		if err == nil {
			results = append(results, ScanResult{
				StartAddr:   b.addr,
				EndAddr:     b.addr + b.qty - 1,
				Responsive:  true,
				RegisterQty: int(b.qty),
			})
			continue
		}
		if !master.IsConnected() {
			return fmt.Errorf("connection lost: %w", err)
		}

		// the batch straddles a window edge; find the served part one by one
		for i := uint16(0); i < b.qty; i++ {
			if read(b.addr+i, 1) == nil {
				results = append(results, ScanResult{
					StartAddr:   b.addr + i,
					EndAddr:     b.addr + i,
					Responsive:  true,
					RegisterQty: 1,
				})
			}
		}
	}

	return outputRegisterScanResults(mergeContiguousRanges(results))
}

func mergeContiguousRanges(results []ScanResult) []ScanResult {
	if len(results) == 0 {
		return results
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].StartAddr < results[j].StartAddr
	})

	merged := []ScanResult{results[0]}
	for i := 1; i < len(results); i++ {
		last := &merged[len(merged)-1]
		current := results[i]

		if int(current.StartAddr) <= int(last.EndAddr)+1 {
			if current.EndAddr > last.EndAddr {
				last.EndAddr = current.EndAddr
			}
			last.RegisterQty = int(last.EndAddr-last.StartAddr) + 1
		} else {
			merged = append(merged, current)
		}
	}
	return merged
}

func expandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		// Try as single IP
		if parsedIP := net.ParseIP(cidr); parsedIP != nil {
			return []string{parsedIP.String()}, nil
		}
		return nil, err
	}

	var hosts []string
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); incIP(ip) {
		hosts = append(hosts, ip.String())
	}

	// Remove network and broadcast addresses
	if len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}

	return hosts, nil
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

func outputScanResults(title string, results []ScanResult) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	fmt.Printf("\n%s\n", color(colorBold, title))
	fmt.Println(strings.Repeat("-", 60))

	if len(results) == 0 {
		fmt.Println("No responsive slaves found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tUNIT ID\tLATENCY\tSTATUS")
	fmt.Fprintln(w, "--------\t-------\t-------\t------")

	for _, r := range results {
		latency := "-"
		if r.Latency > 0 {
			latency = fmt.Sprintf("%dms", r.Latency.Milliseconds())
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.Address, r.UnitID, latency, color(colorGreen, "ONLINE"))
	}
	w.Flush()

	fmt.Printf("\nFound %d responsive slave(s)\n\n", len(results))
	return nil
}

func outputRegisterScanResults(results []ScanResult) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	fmt.Printf("\n%s\n", color(colorBold, "Register Scan Results"))
	fmt.Println(strings.Repeat("-", 50))

	if len(results) == 0 {
		fmt.Println("No accessible registers found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "START ADDR\tEND ADDR\tCOUNT\tSTATUS")
	fmt.Fprintln(w, "----------\t--------\t-----\t------")

	total := 0
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", r.StartAddr, r.EndAddr, r.RegisterQty, color(colorGreen, "ACCESSIBLE"))
		total += r.RegisterQty
	}
	w.Flush()

	fmt.Printf("\nFound %d accessible register(s) in %d range(s)\n\n", total, len(results))
	return nil
}

// Command ipbus-status is a small diagnostic client: it connects to one
// IPbus target, reads a register (or just probes status), and prints the
// result. It exists to exercise the library from outside its own test
// suite, the way NeoScan-Agent's cmd/agent wraps its core packages in a
// cobra CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/frun36/ipbus-go"
)

var (
	cfgFile   string
	host      string
	port      int
	timeoutMs int
	periodMs  int
	address   uint32
	writeVal  int64
)

var rootCmd = &cobra.Command{
	Use:   "ipbus-status",
	Short: "Probe or access a register on an IPbus v2.0 UDP target",
	Long: `ipbus-status connects to a single IPbus target, waits for it to come
online, and either reports its status or performs one register access.

Examples:
  ipbus-status --host 192.168.1.50 --port 50001
  ipbus-status --host 192.168.1.50 --port 50001 --address 0xDEADBEEF
  ipbus-status --host 192.168.1.50 --port 50001 --address 0x10 --write 0x7
`,
	RunE: run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.Flags().StringVar(&host, "host", "", "target IP address or hostname (required unless set in config)")
	rootCmd.Flags().IntVar(&port, "port", 50001, "target UDP port")
	rootCmd.Flags().IntVar(&timeoutMs, "timeout-ms", 1000, "per-request timeout in milliseconds")
	rootCmd.Flags().IntVar(&periodMs, "period-ms", 2000, "keepalive status interval in milliseconds")
	rootCmd.Flags().Var(&hexAddress{&address}, "address", "register address, e.g. 0xDEADBEEF; omitted means status-only")
	rootCmd.Flags().Int64Var(&writeVal, "write", 0, "value to write to --address instead of reading it")

	viper.BindPFlag("host", rootCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("timeout-ms", rootCmd.Flags().Lookup("timeout-ms"))
	viper.BindPFlag("period-ms", rootCmd.Flags().Lookup("period-ms"))
}

// initConfig loads an optional YAML config file, letting a target's host
// and connection parameters live outside the command line: --config picks
// an explicit path, otherwise config.yaml is looked up in the working
// directory. A missing file is not an error — flags and their defaults
// still apply via viper.BindPFlag.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

// hexAddress is a cobra pflag.Value accepting 0x-prefixed hex or bare decimal.
type hexAddress struct{ dest *uint32 }

func (h *hexAddress) String() string { return fmt.Sprintf("%#x", *h.dest) }
func (h *hexAddress) Type() string   { return "address" }
func (h *hexAddress) Set(s string) error {
	var v uint64
	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err != nil {
		_, err = fmt.Sscanf(s, "%d", &v)
	}
	if err != nil {
		return fmt.Errorf("invalid address %q", s)
	}
	*h.dest = uint32(v)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	// viper.GetString/GetInt resolve in BindPFlag precedence order: an
	// explicitly-set flag wins, otherwise the config file, otherwise the
	// flag's own default — so config.yaml can supply host/port without
	// the caller ever passing --host.
	resolvedHost := viper.GetString("host")
	if resolvedHost == "" {
		return fmt.Errorf("target host is required: pass --host or set \"host\" in config.yaml")
	}

	cfg := ipbus.Configuration{
		IPAddress:      resolvedHost,
		Port:           viper.GetInt("port"),
		UpdatePeriodMs: viper.GetInt("period-ms"),
		TimeoutMs:      viper.GetInt("timeout-ms"),
	}

	target, err := ipbus.NewTarget(cfg)
	if err != nil {
		return err
	}
	defer target.Close()

	target.Signals().OnStatusOK(func() {
		pterm.Success.Println("target online")
	})
	target.Signals().OnError(func(msg string, kind ipbus.ErrorKind) {
		pterm.Error.Printfln("%s: %s", kind, msg)
	})
	target.Signals().OnNoResponse(func(msg string) {
		pterm.Warning.Println(msg)
	})

	spinner, _ := pterm.DefaultSpinner.Start("waiting for target to come online")
	for i := 0; i < 50 && target.State() != ipbus.Online; i++ {
		time.Sleep(100 * time.Millisecond)
	}
	spinner.Stop()

	if target.State() != ipbus.Online {
		return fmt.Errorf("target did not come online")
	}

	if cmd.Flags().Changed("address") {
		if cmd.Flags().Changed("write") {
			if err := target.WriteRegister(address, uint32(writeVal)); err != nil {
				return err
			}
			pterm.Success.Printfln("wrote %#x to %#x", uint32(writeVal), address)
			return nil
		}
		val, err := target.ReadRegister(address)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("%#x = %#x", address, val)
		return nil
	}

	stats := target.Stats()
	pterm.DefaultTable.WithData(pterm.TableData{
		{"state", target.State().String()},
		{"transactions ok", fmt.Sprint(stats.TransactionsOK)},
		{"transactions failed", fmt.Sprint(stats.TransactionsFailed)},
		{"timeouts", fmt.Sprint(stats.Timeouts)},
		{"reconnects", fmt.Sprint(stats.Reconnects)},
	}).Render()

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Command tproxy is both halves of the transparent HTTP/HTTPS chaos-
// injection proxy: invoked with no special flags it is the controller,
// which prepares the network namespace fabric and supervises a data-plane
// child; invoked with --proxy (always by the controller itself, inside the
// namespace it just built) it is that child.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/tproxy/pkg/log"
)

var (
	flagInteractive  bool
	flagVerbosity    int
	flagProxy        bool
	flagIPCPath      string
	flagControlPath  string
	flagControlSock  string
	flagInterfaceOpt string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tproxy [config-file]",
	Short: "Transparent L7 HTTP/HTTPS chaos-injection proxy",
	Long: `tproxy transparently intercepts TCP traffic for a configured set of
ports, parses it as HTTP, and applies operator-defined rules (abort, delay,
replace, JSON merge-patch) before forwarding it to the original destination.
Traffic that doesn't parse as HTTP falls back to a raw TCP splice.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRoot,
}

func init() {
	rootCmd.Flags().BoolVarP(&flagInteractive, "interactive", "i", false, "serve a control endpoint for live reload")
	rootCmd.Flags().StringVar(&flagControlSock, "control-socket", "", "UDS path for the interactive control endpoint")
	rootCmd.Flags().CountVarP(&flagVerbosity, "verbose", "v", "increase log verbosity (repeatable)")
	rootCmd.Flags().StringVar(&flagInterfaceOpt, "interface", "", "override the auto-detected default-route interface")
	rootCmd.Flags().BoolVar(&flagProxy, "proxy", false, "internal: run as the data-plane child")
	rootCmd.Flags().StringVar(&flagIPCPath, "ipc-path", "", "internal: UDS path for the initial config handoff")
	rootCmd.Flags().StringVar(&flagControlPath, "control-path", "", "internal: UDS path the data-plane serves reloads on")
	_ = rootCmd.Flags().MarkHidden("proxy")
	_ = rootCmd.Flags().MarkHidden("ipc-path")
	_ = rootCmd.Flags().MarkHidden("control-path")
}

func runRoot(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.LevelFromVerbosity(flagVerbosity), JSONOutput: false})

	if flagProxy {
		return runDataPlane(cmd.Context())
	}

	var configPath string
	if len(args) == 1 {
		configPath = args[0]
	}
	if configPath == "" && !flagInteractive {
		return fmt.Errorf("a config file is required unless --interactive is set")
	}
	return runController(cmd.Context(), configPath)
}

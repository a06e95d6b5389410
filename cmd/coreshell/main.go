package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/coreshell/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the command tree. out receives command output.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.SetOut(out)

	cmd := func() command { return newCommand(globalFlags, out) }
	root.AddCommand(
		createServeCommand(out),
		createStartCommand(cmd),
		createStopCommand(cmd),
		createStatusCommand(cmd),
		createLogsCommand(cmd),
		createProbeCommand(cmd),
		createProxyCommand(cmd),
		createConfigCommand(cmd),
		createSettingsCommand(cmd),
		createHotkeyCommand(cmd),
		createHistoryCommand(cmd),
	)
	return root
}

// createRootCommand creates the root command with the API connection flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "coreshell",
		Short: "Supervisor for a v2ray/xray proxy core",
		Long: `coreshell runs one proxy core process, keeps its output, switches the
system proxy and answers to hotkeys. 'coreshell serve' runs the shell; the
other commands talk to it over its local API.

Examples:
  coreshell serve --config coreshell.toml
  coreshell config select configs/tokyo.json
  coreshell start
  coreshell logs -f
  coreshell proxy set`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "control API base URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "control API request timeout")
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func createServeCommand(out io.Writer) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [coreshell.toml]",
		Short: "Run the shell and its control API",
		Long: `Run the shell: restore the last used core config, auto start the core
when enabled, bind hotkeys and serve the control API until interrupted.
Only one instance may run per data directory.

Examples:
  coreshell serve
  coreshell serve coreshell.toml --listen 127.0.0.1:10880
  coreshell serve --daemonize --logfile /tmp/coreshell.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, *f, out)
		},
	}
	cmd.Flags().StringVar(&f.ConfigPath, "config", "", "path to TOML config file (optional)")
	cmd.Flags().StringVar(&f.DataDir, "data-dir", "", "settings and state directory (default: user config dir)")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "control API listen address (enables the server)")
	cmd.Flags().BoolVar(&f.KeepProxy, "keep-proxy", false, "leave the system proxy set on exit")
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the shell's PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect background output to file")
	return cmd
}

func createStartCommand(c func() command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the core with the selected config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c().Start(cmd.Context())
		},
	}
}

func createStopCommand(c func() command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the core",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c().Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "graceful stop window before the core is killed")
	return cmd
}

func createStatusCommand(c func() command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the core state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c().Status(ctx, *f)
		},
	}
	cmd.Flags().BoolVarP(&f.Watch, "watch", "w", false, "print a line whenever the state changes")
	cmd.Flags().DurationVar(&f.Interval, "interval", 2*time.Second, "watch poll interval")
	return cmd
}

func createLogsCommand(c func() command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the shell's log buffer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c().Logs(ctx, *f)
		},
	}
	cmd.Flags().Uint64Var(&f.Since, "since", 0, "only lines after this sequence number")
	cmd.Flags().IntVarP(&f.Tail, "tail", "n", 0, "only the last N lines")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep printing new lines")
	cmd.Flags().DurationVar(&f.Interval, "interval", 500*time.Millisecond, "follow poll interval")
	return cmd
}

func createProbeCommand(c func() command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Test the selected server",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "latency",
			Short: "TCP ping the server of the selected config",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c().Latency(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "speed",
			Short: "Download through the running core and report Mbps",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c().Speed(cmd.Context())
			},
		},
	)
	return cmd
}

func createProxyCommand(c func() command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Set or clear the system proxy",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set [host:port]",
			Short: "Point the system proxy at the core (default: settings proxy_address)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				addr := ""
				if len(args) > 0 {
					addr = args[0]
				}
				return c().ProxySet(cmd.Context(), addr)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Disable the system proxy",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c().ProxyClear(cmd.Context())
			},
		},
	)
	return cmd
}

func createConfigCommand(c func() command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage core configs",
	}
	gf := &GenerateFlags{}
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Create a vmess config in the configs directory and select it",
		Long: `Create a vmess config in the configs directory and select it.

Examples:
  coreshell config generate --name tokyo --address example.com --port 443
  coreshell config generate --name ws --address example.com --port 443 --network ws --ws-path /ray --tls`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c().ConfigGenerate(cmd.Context(), *gf)
		},
	}
	generate.Flags().StringVar(&gf.Name, "name", "", "file name (.json is added)")
	generate.Flags().StringVar(&gf.Address, "address", "", "server address")
	generate.Flags().IntVar(&gf.Port, "port", 0, "server port")
	generate.Flags().StringVar(&gf.UUID, "uuid", "", "user id (random when empty)")
	generate.Flags().StringVar(&gf.Network, "network", "tcp", "transport: tcp or ws")
	generate.Flags().StringVar(&gf.WSPath, "ws-path", "", "websocket path")
	generate.Flags().BoolVar(&gf.TLS, "tls", false, "enable TLS")
	_ = generate.MarkFlagRequired("name")
	_ = generate.MarkFlagRequired("address")
	_ = generate.MarkFlagRequired("port")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the selected config",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c().ConfigShow(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "select <file>",
			Short: "Make file the active config",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c().ConfigSelect(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "save <file>",
			Short: "Overwrite the active config with the contents of file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c().ConfigSave(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "validate <file>",
			Short: "Check a config file without a running shell",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return c().ConfigValidate(args[0])
			},
		},
		generate,
	)
	return cmd
}

func createSettingsCommand(c func() command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change persisted settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the settings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c().SettingsShow(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "set key=value...",
			Short: "Change settings",
			Long: `Change settings. Keys: run_on_startup, auto_start_core,
enable_proxy_hotkey, disable_proxy_hotkey, start_core_hotkey,
stop_core_hotkey, proxy_address, probe_schedule.

Examples:
  coreshell settings set auto_start_core=true
  coreshell settings set enable_proxy_hotkey='<ctrl>+<alt>+e'
  coreshell settings set probe_schedule='@every 10m'`,
			Args: cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c().SettingsSet(cmd.Context(), args)
			},
		},
	)
	return cmd
}

func createHotkeyCommand(c func() command) *cobra.Command {
	return &cobra.Command{
		Use:   "hotkey <combo>",
		Short: "Run the action bound to a key combination",
		Long: `Run the action bound to a key combination. Bind this to your desktop's
global shortcut tool, e.g. coreshell hotkey '<alt>+z'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c().Hotkey(cmd.Context(), args[0])
		},
	}
}

func createHistoryCommand(c func() command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent core starts and stops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c().History(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of events")
	return cmd
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rogerhu/gdb-heap/glibc"
	"github.com/rogerhu/gdb-heap/inferior"
	"github.com/rogerhu/gdb-heap/inventory"
	"github.com/rogerhu/gdb-heap/proc"
)

// app carries the settings shared by every subcommand.
type app struct {
	pid          int
	corePath     string
	exePath      string
	verbose      int
	stateDir     string
	hexdumpBytes int

	logger log.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "heapscope",
		Short:         "inspect the glibc malloc heap of a live process",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.configure(cmd)
		},
	}
	a.addGlobalFlags(root.PersistentFlags())

	root.AddCommand(
		a.reportCommand(),
		a.sizesCommand(),
		a.usedCommand(),
		a.allCommand(),
		a.arenasCommand(),
		a.selectCommand(),
		a.hexdumpCommand(),
		a.labelCommand(),
		a.logCommand(),
		a.diffCommand(),
	)
	return root
}

func (a *app) addGlobalFlags(pf *pflag.FlagSet) {
	pf.IntVarP(&a.pid, "pid", "p", 0, "target process id")
	pf.StringVar(&a.corePath, "core", "", "inspect a core dump instead of a live process")
	pf.StringVar(&a.exePath, "exe", "", "executable the core was dumped from (with --core)")
	pf.CountVarP(&a.verbose, "verbose", "v", "debug logging, repeat for more")
	pf.String("state-dir", "", "directory for saved snapshots (default: user cache dir)")
}

// configure merges flags, the environment and the optional config file
// (~/.config/heapscope.yaml), then wires up debug logging.
func (a *app) configure(cmd *cobra.Command) error {
	v := viper.New()
	v.SetConfigName("heapscope")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config"))
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("HEAPSCOPE")
	v.AutomaticEnv()
	v.SetDefault("hexdump-bytes", 64)
	if err := v.BindPFlag("state-dir", cmd.Root().PersistentFlags().Lookup("state-dir")); err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	a.hexdumpBytes = v.GetInt("hexdump-bytes")
	a.stateDir = v.GetString("state-dir")
	if a.stateDir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("no --state-dir and no user cache dir: %w", err)
		}
		a.stateDir = filepath.Join(cache, "heapscope")
	}

	a.logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if a.verbose > 0 {
		glibc.DebugLogf = a.debugLogf("glibc")
		inventory.DebugLogf = a.debugLogf("inventory")
	}
	return nil
}

func (a *app) debugLogf(pkg string) func(int, string, ...interface{}) {
	return func(level int, format string, args ...interface{}) {
		if level > a.verbose {
			return
		}
		a.logger.Log("pkg", pkg, "msg", fmt.Sprintf(format, args...))
	}
}

// session is one attached inspection of the target, live or
// post-mortem.
type session struct {
	proc   inferior.Process
	heap   *glibc.Heap
	engine *inventory.Engine
}

func (a *app) open() (*session, error) {
	var p inferior.Process
	switch {
	case a.corePath != "":
		if a.exePath == "" {
			return nil, errors.New("--core also needs --exe")
		}
		core, err := proc.OpenCore(a.corePath, a.exePath)
		if err != nil {
			return nil, err
		}
		p = core
	case a.pid > 0:
		live, err := proc.Attach(a.pid)
		if err != nil {
			return nil, err
		}
		p = live
	default:
		return nil, errors.New("either --pid or --core is required")
	}

	h, err := glibc.NewHeap(p)
	if err != nil {
		closeProcess(p)
		return nil, describeError(err)
	}
	return &session{proc: p, heap: h, engine: inventory.NewEngine(p, h)}, nil
}

func (s *session) close() {
	closeProcess(s.proc)
}

func closeProcess(p inferior.Process) {
	if c, ok := p.(interface{ Close() error }); ok {
		c.Close()
	}
}

// describeError appends a remedy to errors the user can act on.
func describeError(err error) error {
	var missing *inferior.MissingDebugInfoError
	if errors.As(err, &missing) {
		return fmt.Errorf("%w\ninstall the debug symbols for it, e.g.:\n"+
			"  debuginfo-install %s   (Fedora/RHEL)\n"+
			"  apt install libc6-dbg  (Debian/Ubuntu, for glibc)",
			err, missing.Module)
	}
	return err
}

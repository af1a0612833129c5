// Command suspend lowers continuation methods written in assembly text and
// runs them as coroutines.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/tools/txtar"

	"github.com/stealthrocket/suspend"
	"github.com/stealthrocket/suspend/compiler"
	"github.com/stealthrocket/suspend/ir"
	"github.com/stealthrocket/suspend/vm"
)

func main() {
	if err := rootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	config      string
	concurrency int
	markerOwner string
	logLevel    string
	logFormat   string
}

// load resolves the configuration: the file first, then the flags that
// were set explicitly.
func (f *flags) load(cmd *cobra.Command) (Config, error) {
	config, err := LoadConfig(f.config)
	if err != nil {
		return config, err
	}
	set := cmd.Flags().Changed
	if set("concurrency") {
		config.Concurrency = f.concurrency
	}
	if set("marker-owner") {
		config.MarkerOwner = f.markerOwner
	}
	if set("log-level") {
		config.Log.Level = f.logLevel
	}
	if set("log-format") {
		config.Log.Format = f.logFormat
	}
	return config, config.Validate()
}

func rootCommand(stdout io.Writer) *cobra.Command {
	f := new(flags)
	defaults := DefaultConfig()

	root := &cobra.Command{
		Use:          "suspend",
		Short:        "suspend lowers continuation methods into resumable state machines.",
		SilenceUsage: true,
	}
	root.SetOut(stdout)

	pf := root.PersistentFlags()
	pf.StringVarP(&f.config, "config", "c", "", "YAML configuration file")
	pf.IntVar(&f.concurrency, "concurrency", defaults.Concurrency, "number of methods lowered in parallel (0 for one per CPU)")
	pf.StringVar(&f.markerOwner, "marker-owner", defaults.MarkerOwner, "class declaring the suspension markers")
	pf.StringVar(&f.logLevel, "log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	pf.StringVar(&f.logFormat, "log-format", defaults.Log.Format, "log format (console, json)")

	root.AddCommand(lowerCommand(f))
	root.AddCommand(runCommand(f))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the version of the command",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version())
		},
	})
	return root
}

func lowerCommand(f *flags) *cobra.Command {
	var stats bool
	cmd := &cobra.Command{
		Use:   "lower FILE",
		Short: "Print the lowered listing of the classes in FILE",
		Long: `Lower every continuation method of the classes in FILE and print the
result. FILE is either assembly text or a txtar archive of assembly files.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.load(cmd)
			if err != nil {
				return err
			}
			logger, err := config.Logger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			reg := prometheus.NewRegistry()
			options := append(config.CompilerOptions(logger), compiler.WithMetrics(compiler.NewMetrics(reg)))
			classes, err := lowerFile(args[0], options...)
			if err != nil {
				return err
			}
			for i, c := range classes {
				if i > 0 {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				if err := ir.Fprint(cmd.OutOrStdout(), c); err != nil {
					return err
				}
			}
			if stats {
				return printStats(cmd.ErrOrStderr(), reg)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stats, "stats", false, "print compilation statistics to stderr")
	return cmd
}

func runCommand(f *flags) *cobra.Command {
	var class, method string
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Lower the classes in FILE and run a continuation method as a coroutine",
		Long: `Lower the classes in FILE, then drive a continuation method until it
completes. Every yielded value is printed and sent back to the coroutine.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := f.load(cmd)
			if err != nil {
				return err
			}
			logger, err := config.Logger()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			classes, err := lowerFile(args[0], config.CompilerOptions(logger)...)
			if err != nil {
				return err
			}
			m := vm.New(vm.WithLogger(logger))
			suspend.Install(m)
			for _, c := range classes {
				m.Load(c)
			}

			if class == "" {
				if len(classes) != 1 {
					return fmt.Errorf("%s holds %d classes, use --class to select one", args[0], len(classes))
				}
				class = classes[0].Name
			}
			c := m.Class(class)
			if c == nil {
				return fmt.Errorf("%w: %s", vm.ErrNoSuchClass, class)
			}
			coro, err := suspend.New(m, c, method)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			yields := 0
			err = suspend.Run(coro, func(v vm.Value) vm.Value {
				yields++
				fmt.Fprintf(out, "yield: %v\n", v)
				return v
			})
			logger.Info("coroutine completed",
				zap.String("class", class),
				zap.String("method", method),
				zap.Int("yields", yields))
			var t *vm.Throwable
			if errors.As(err, &t) {
				return fmt.Errorf("uncaught exception: %s", t.StackTrace())
			}
			return err
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "class declaring the method (defaults to the only class of FILE)")
	cmd.Flags().StringVarP(&method, "method", "m", "run", "name of the continuation method")
	return cmd
}

// lowerFile parses and lowers the classes of an assembly file or of every
// .s file of a txtar archive.
func lowerFile(path string, options ...compiler.Option) ([]*ir.Class, error) {
	sources, err := readSources(path)
	if err != nil {
		return nil, err
	}

	var classes []*ir.Class
	for _, src := range sources {
		parsed, err := ir.Parse(src.data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src.name, err)
		}
		classes = append(classes, parsed...)
	}

	var errs error
	for _, c := range classes {
		errs = multierr.Append(errs, ir.Verify(c))
	}
	if errs != nil {
		return nil, errs
	}
	for _, c := range classes {
		if err := compiler.Compile(c, options...); err != nil {
			return nil, err
		}
	}
	return classes, nil
}

type source struct {
	name string
	data string
}

func readSources(path string) ([]source, error) {
	if filepath.Ext(path) != ".txtar" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return []source{{name: path, data: string(b)}}, nil
	}

	archive, err := txtar.ParseFile(path)
	if err != nil {
		return nil, err
	}
	var sources []source
	for _, f := range archive.Files {
		if strings.HasSuffix(f.Name, ".s") {
			sources = append(sources, source{name: path + ":" + f.Name, data: string(f.Data)})
		}
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%s: archive holds no .s file", path)
	}
	return sources, nil
}

func printStats(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, l := range m.GetLabel() {
				name += fmt.Sprintf("{%s=%q}", l.GetName(), l.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", name, m.GetCounter().GetValue()))
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				lines = append(lines, fmt.Sprintf("%s count=%d sum=%gs", name, h.GetSampleCount(), h.GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func version() (version string) {
	version = "devel"
	if info, ok := debug.ReadBuildInfo(); ok {
		switch info.Main.Version {
		case "":
		case "(devel)":
		default:
			version = info.Main.Version
		}
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				version += " " + setting.Value
			}
		}
	}
	return
}

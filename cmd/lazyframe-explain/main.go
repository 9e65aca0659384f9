// Command lazyframe-explain prints the logical plan of a plan file before
// and after optimization, and optionally executes it.
//
// Usage:
//
//	lazyframe-explain -plan plan.yaml [-execute] [-limit 20]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v2"

	"github.com/grafana/lazyframe/pkg/engine"
	"github.com/grafana/lazyframe/pkg/engine/planfile"
)

type config struct {
	Engine engine.Config `yaml:"engine"`

	configFile string
	planFile   string
	execute    bool
	limit      int
	logLevel   string
}

func (cfg *config) registerFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.configFile, "config.file", "", "YAML file to load the engine configuration from. Flags take precedence over the file.")
	f.StringVar(&cfg.planFile, "plan", "", "Plan file to explain.")
	f.BoolVar(&cfg.execute, "execute", false, "Execute the optimized plan and print its result.")
	f.IntVar(&cfg.limit, "limit", 20, "Maximum number of result rows to print. -1 prints every row.")
	f.StringVar(&cfg.logLevel, "log.level", "warn", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	cfg.Engine.RegisterFlags(f)
}

// parseConfig applies flag defaults, then the config file, then the flags
// set in args.
func parseConfig(args []string, stderr io.Writer) (*config, error) {
	var cfg config
	fs := flag.NewFlagSet("lazyframe-explain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.configFile != "" {
		buf, err := os.ReadFile(cfg.configFile)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", cfg.configFile, err)
		}
		// Flags win over the file.
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	if cfg.planFile == "" {
		return nil, errors.New("missing -plan")
	}
	return &cfg, cfg.Engine.Validate()
}

func newLogger(lvl string, w io.Writer) (log.Logger, error) {
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, fmt.Errorf("unrecognized log level %q", lvl)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := parseConfig(args, stderr)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.logLevel, stderr)
	if err != nil {
		return err
	}

	f, err := planfile.Load(cfg.planFile)
	if err != nil {
		return err
	}
	plan, err := f.Build()
	if err != nil {
		return fmt.Errorf("building plan: %w", err)
	}

	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	catalog, err := f.Catalog(mem)
	if err != nil {
		return fmt.Errorf("building tables: %w", err)
	}
	defer catalog.Release()
	tableBytes := mem.CurrentAlloc()

	e, err := engine.New(engine.Params{
		Logger:    logger,
		Config:    cfg.Engine,
		Catalog:   catalog,
		Allocator: mem,
	})
	if err != nil {
		return err
	}

	ex, err := e.Explain(ctx, plan)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, ex.String())
	fmt.Fprintf(stdout, "\nEliminated nodes: %d; pruned expressions: %d; pruned columns: %d\n",
		ex.Stats.EliminatedNodes, ex.Stats.PrunedExprs, ex.Stats.PrunedColumns)

	if !cfg.execute {
		return nil
	}

	result, err := e.Execute(ctx, plan)
	if err != nil {
		return err
	}
	defer result.Release()

	fmt.Fprintln(stdout)
	if err := result.Format(stdout, cfg.limit); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\n%s rows in %d records; tables %s; result %s\n",
		humanize.Comma(result.NumRows()), len(result.Records),
		humanize.Bytes(uint64(tableBytes)), humanize.Bytes(uint64(mem.CurrentAlloc()-tableBytes)))
	return nil
}

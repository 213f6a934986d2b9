package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/mattn/go-isatty"

	"github.com/petems/loopcap/internal/app"
	"github.com/petems/loopcap/internal/audio"
	"github.com/petems/loopcap/internal/capture"
	"github.com/petems/loopcap/internal/config"
	"github.com/petems/loopcap/internal/logging"
	"github.com/petems/loopcap/internal/permissions"
	"github.com/petems/loopcap/internal/status"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type options struct {
	configPath  string
	saveConfig  bool
	listDevices bool
	version     bool
}

// parseArgs loads the config file named by -config and applies the flags
// the user set on top of it.
func parseArgs(args []string, stderr io.Writer) (*config.Config, options, error) {
	var opts options
	fs := flag.NewFlagSet("loopcap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", config.Path(), "config file `path`")
	fs.BoolVar(&opts.saveConfig, "save-config", false, "write the merged configuration to the -config path and exit")
	fs.BoolVar(&opts.listDevices, "list-devices", false, "list capture devices for the selected backend and exit")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")
	config.Default().BindFlags(fs)

	if err := fs.Parse(args); err != nil {
		return nil, opts, err
	}
	if fs.NArg() > 0 {
		return nil, opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil {
		return nil, opts, err
	}

	overrides := flag.NewFlagSet("overrides", flag.ContinueOnError)
	cfg.BindFlags(overrides)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if overrides.Lookup(f.Name) == nil || setErr != nil {
			return
		}
		setErr = overrides.Set(f.Name, f.Value.String())
	})
	return cfg, opts, setErr
}

func run(args []string) int {
	cfg, opts, err := parseArgs(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "loopcap:", err)
		return 1
	}
	if opts.version {
		fmt.Printf("loopcap %s (%s)\n", Version, Commit)
		return 0
	}
	if opts.saveConfig {
		if err := saveConfig(cfg, opts.configPath, os.Stderr); err != nil {
			fmt.Fprintln(os.Stderr, "loopcap:", err)
			return 1
		}
		return 0
	}

	log := logging.NewWithLevel(cfg.LogLevel)

	backend, err := audio.ParseBackend(cfg.Capture.Backend)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}
	source, err := audio.ParseSource(cfg.Capture.Source)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	if opts.listDevices {
		if err := printDevices(os.Stdout, backend, source); err != nil {
			log.Error().Err(err).Msg("Failed to list devices")
			return 2
		}
		return 0
	}

	if cfg.Mode() == config.ModeSingle && cfg.DurationSeconds == 0 {
		d, err := promptDuration(os.Stdin, os.Stderr)
		if err != nil {
			log.Error().Err(err).Msg("No capture duration")
			return 1
		}
		cfg.DurationSeconds = d
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	// macOS requires explicit microphone approval before input capture works
	if source == audio.SourceInput {
		if err := permissions.EnsureMicrophone(); err != nil {
			log.Error().Err(err).Msg("Required permissions not granted")
			return 2
		}
	}

	device, err := audio.New(audio.Options{
		Backend:    backend,
		Source:     source,
		DeviceID:   cfg.Capture.DeviceID,
		QueueDepth: cfg.Capture.QueueDepth,
		Logger:     log,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize audio")
		return app.ExitCode(err)
	}

	engine := capture.New(device, capture.Options{
		Logger:         log,
		WaitTimeout:    cfg.WaitTimeout(),
		StallThreshold: cfg.Capture.StallTimeouts,
		Priority:       !cfg.Capture.DisableMMCSS,
	})

	application := app.New(app.Config{
		Engine:   engine,
		Config:   cfg,
		Logger:   log,
		Status:   status.New(os.Stdout),
		Source:   string(source),
		Overruns: device.Overruns,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", Version).
		Str("mode", string(cfg.Mode())).
		Str("backend", string(backend)).
		Str("source", string(source)).
		Msg("loopcap starting")

	res, err := application.Run(ctx)
	if err != nil {
		log.Error().Err(err).Str("path", res.Path).Msg("Capture failed")
		return app.ExitCode(err)
	}
	log.Info().Str("path", res.Path).Int64("bytes", res.Bytes).Msg("Capture complete")
	return 0
}

// saveConfig persists cfg at path so later runs start from it.
func saveConfig(cfg *config.Config, path string, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("not saving invalid config: %w", err)
	}
	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintf(out, "saved config to %s\n", path)
	return nil
}

func printDevices(w io.Writer, backend audio.Backend, source audio.Source) error {
	devices, err := audio.ListDevices(backend, source)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEFAULT\tNAME\tID")
	for _, d := range devices {
		mark := ""
		if d.Default {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", mark, d.Name, d.ID)
	}
	return tw.Flush()
}

// promptDuration asks for the capture length when stdin is a terminal.
func promptDuration(in *os.File, out io.Writer) (float64, error) {
	if !isatty.IsTerminal(in.Fd()) && !isatty.IsCygwinTerminal(in.Fd()) {
		return 0, errors.New("pass -duration or -interval when stdin is not a terminal")
	}
	fmt.Fprint(out, "Enter capture duration in seconds: ")
	return readDuration(in)
}

func readDuration(r io.Reader) (float64, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid duration %q: enter a positive number", strings.TrimSpace(line))
	}
	return d, nil
}

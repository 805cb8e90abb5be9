// officelight watches the office lights through a photoresistor on a GPIO
// pin and keeps a chat webhook message saying whether someone is in.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mjasion/balena-home/office-status/calibration"
	"github.com/mjasion/balena-home/office-status/config"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// options are the parsed command line.
type options struct {
	configPath string
	simulate   bool
	quiet      bool
	save       bool
	interval   time.Duration
	command    string
}

var commands = map[string]string{
	"run":          "sample the light level and keep the webhook message up to date (default)",
	"quiet":        "same as run, never shows the menu",
	"test":         "print the light level every interval",
	"calibrate":    "measure dark and lit readings and suggest a blackpoint",
	"watch":        "print a line whenever the lights go on or off",
	"graph":        "draw the light level as a bar graph",
	"reset-errors": "clear the stored webhook error count",
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, calibration.ErrZeroDarkReading) {
			fmt.Fprintln(os.Stderr, "error: the dark reading was 0. The pin reads high straight away,")
			fmt.Fprintln(os.Stderr, "so the capacitor or photoresistor is probably not connected.")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (*options, error) {
	opts := &options{}

	flagSet := pflag.NewFlagSet("officelight", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "config.json", "path to configuration file (JSON or YAML)")
	flagSet.BoolVar(&opts.simulate, "simulate", false, "use random readings instead of the GPIO pin")
	flagSet.BoolVarP(&opts.quiet, "quiet", "q", false, "skip the interactive menu")
	flagSet.BoolVar(&opts.save, "save", false, "calibrate: write the new blackpoint into the config file")
	flagSet.DurationVar(&opts.interval, "interval", time.Second, "test, watch, graph: time between samples")
	flagSet.SetOutput(os.Stderr)
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	rest := flagSet.Args()
	if len(rest) > 1 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[1])
	}
	if len(rest) == 1 {
		opts.command = rest[0]
		if _, ok := commands[opts.command]; !ok {
			return nil, fmt.Errorf("unknown command %q", opts.command)
		}
	}
	if opts.command == "quiet" {
		opts.command = "run"
		opts.quiet = true
	}
	if opts.interval <= 0 {
		return nil, fmt.Errorf("--interval must be positive, got %s", opts.interval)
	}
	return opts, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage:\n  officelight [flags] [command]\n\nCommands:\n")
	for _, name := range []string{"run", "quiet", "test", "calibrate", "watch", "graph", "reset-errors"} {
		fmt.Fprintf(os.Stderr, "  %-13s %s\n", name, commands[name])
	}
	fmt.Fprintf(os.Stderr, "\nWithout a command on a terminal, an interactive menu is shown.\n\nFlags:\n")
	flagSet.PrintDefaults()
}

func run(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.simulate {
		cfg.Simulate = true
	}

	logger, closeLogger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer closeLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := opts.command
	if command == "" {
		command = "run"
		if !opts.quiet && term.IsTerminal(int(os.Stdin.Fd())) {
			choice, err := runMenu(cfg.Simulate)
			if err != nil {
				return err
			}
			if choice.action == actionQuit {
				return nil
			}
			command = string(choice.action)
			cfg.Simulate = choice.simulate
		}
	}

	a := &app{cfg: cfg, logger: logger, opts: opts, out: os.Stdout}
	return a.dispatch(ctx, command)
}

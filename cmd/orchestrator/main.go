// Command orchestrator is the CLI surface of spec.md §6: run a goal
// end-to-end through the Run Engine, plan without executing, check the
// local environment, or replay an offline evaluation suite.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"goa.design/clue/log"
)

func main() {
	ctx := context.Background()
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, os.Args[2:])
	case "plan":
		err = planCmd(ctx, os.Args[2:])
	case "doctor":
		err = doctorCmd(ctx, os.Args[2:])
	case "eval":
		err = evalCmd(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "orchestrator: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "orchestrator:", err)
	if isConfigError(err) {
		os.Exit(2)
	}
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: orchestrator <command> [flags]

commands:
  run <goal> [--think L0|L1|L2|L3] [--config path] [--json] [--budget k=v,...]
  plan <goal> [--config path] [--json]
  doctor [--config path]
  eval <suitePath> [--config path] [--json]

common flags: --verbose, --config`)
}

func isConfigError(err error) bool {
	var ce *configError
	return errors.As(err, &ce)
}

// commonFlags are the flags every subcommand accepts, per spec.md §6.
type commonFlags struct {
	verbose    bool
	configPath string
}

func bindCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.BoolVar(&cf.verbose, "verbose", false, "enable debug logging")
	fs.StringVar(&cf.configPath, "config", "", "explicit config file path")
	return cf
}

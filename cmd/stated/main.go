package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
)

var version = "dev"

// Flags holds the root options shared by every command.
type Flags struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
}

func newApp(out io.Writer) *cli.Command {
	flags := &Flags{}

	app := &cli.Command{
		Name:    "stated",
		Usage:   "Conversation state store backed by PostgreSQL with an optional Redis cache",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("STATED_CONFIG"),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (trace, debug, info, warn, error)",
				Sources:     cli.EnvVars("STATED_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "write logs to this file instead of stderr",
				Sources:     cli.EnvVars("STATED_LOG_FILE"),
				Destination: &flags.LogFile,
			},
		},
	}

	app = NewServeCmd(flags).Register(app)
	app = NewProbeCmd().Register(app)
	return app
}

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

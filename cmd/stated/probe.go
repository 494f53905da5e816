package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/adeilh/rakh-state/httpx"
)

var errUnhealthy = errors.New("state store is unhealthy")

type ProbeCmd struct {
	url     string
	timeout time.Duration
	retries int
}

func NewProbeCmd() *ProbeCmd {
	return &ProbeCmd{}
}

// Register adds the probe command to the application.
func (cmd *ProbeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:        "probe",
		Usage:       "Check the health of a running state service",
		UsageText:   "stated probe [options]",
		Description: "Prints the health report and exits non-zero unless every configured tier is up.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "base URL of the state service",
				Sources:     cli.EnvVars("STATED_URL"),
				Value:       "http://127.0.0.1:8080",
				Destination: &cmd.url,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "request timeout",
				Value:       5 * time.Second,
				Destination: &cmd.timeout,
			},
			&cli.IntFlag{
				Name:        "retries",
				Usage:       "retries on transport errors",
				Destination: &cmd.retries,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ProbeCmd) run(ctx context.Context, c *cli.Command) error {
	client := httpx.NewClient(
		httpx.WithBaseURL(cmd.url),
		httpx.WithClientTimeout(cmd.timeout),
		httpx.WithRetries(cmd.retries),
	)

	res, err := client.Health(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.Root().Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Overall {
		return errUnhealthy
	}
	return nil
}

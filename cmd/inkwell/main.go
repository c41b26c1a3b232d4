package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/manthysbr/inkwell/cmd/inkwell/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "inkwell",
		Usage: "comic library job orchestration and file cache service",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API, job manager and background loops",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "addr",
						Usage: "listen address (overrides INKWELL_HTTP_ADDR)",
					},
				},
				Action: commands.ServeAction,
			},
			{
				Name:  "jobs",
				Usage: "inspect and maintain the job store",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "list jobs, newest first",
						Flags:  []cli.Flag{envFlag()},
						Action: commands.JobsListAction,
					},
					{
						Name:  "show",
						Usage: "show a job and its item results",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "job id",
								Required: true,
							},
						},
						Action: commands.JobsShowAction,
					},
					{
						Name:  "cleanup",
						Usage: "delete finished jobs older than a cutoff",
						Flags: []cli.Flag{
							envFlag(),
							&cli.DurationFlag{
								Name:  "older-than",
								Usage: "age cutoff (defaults to INKWELL_JOB_RETENTION)",
							},
						},
						Action: commands.JobsCleanupAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "path to the environment file",
		Value: ".env",
	}
}

package main

import (
	"log"
	"os"

	"github.com/taskwatch/taskwatch/internal/streamdapp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "streamd",
		Usage: "The task event-stream server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Value: 3000,
				Usage: "The port to run the server on",
			},
			&cli.StringFlag{
				Name:  "demo-stream",
				Value: "",
				Usage: "Emit a synthetic task onto the named stream",
			},
			&cli.IntFlag{
				Name:  "demo-event-interval",
				Value: 1000,
				Usage: "Milliseconds between synthetic task events",
			},
			&cli.IntFlag{
				Name:  "demo-event-count",
				Value: 30,
				Usage: "Number of synthetic progress events before completion",
			},
		},
		Action: func(cCtx *cli.Context) error {
			return streamdapp.Run(&streamdapp.RunParams{
				Port:                    cCtx.Int("port"),
				DemoStream:              cCtx.String("demo-stream"),
				DemoEventIntervalMillis: cCtx.Int("demo-event-interval"),
				DemoEventCount:          cCtx.Int("demo-event-count"),
			})
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

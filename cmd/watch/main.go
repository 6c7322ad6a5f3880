package main

import (
	"log"
	"os"

	"github.com/taskwatch/taskwatch/internal/watchapp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "watch",
		Usage: "Follow a task event stream with automatic recovery",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "base-url",
				Value: "http://localhost:3000",
				Usage: "The base URL of the stream server",
			},
			&cli.StringFlag{
				Name:     "stream-id",
				Required: true,
				Usage:    "The identifier of the stream to follow",
			},
			&cli.StringFlag{
				Name:     "token",
				Required: true,
				Usage:    "The credential token for the stream",
			},
			&cli.StringFlag{
				Name:  "transport",
				Value: "sse",
				Usage: "The push transport to use, sse or websocket",
			},
			&cli.Int64Flag{
				Name:  "from-sequence",
				Value: 0,
				Usage: "Resume after an already-consumed sequence number",
			},
			&cli.BoolFlag{
				Name:  "account-stream",
				Value: false,
				Usage: "Use the coarser per-account stream tuning",
			},
		},
		Action: func(cCtx *cli.Context) error {
			return watchapp.Run(&watchapp.RunParams{
				BaseURL:       cCtx.String("base-url"),
				StreamID:      cCtx.String("stream-id"),
				Token:         cCtx.String("token"),
				Transport:     cCtx.String("transport"),
				FromSequence:  cCtx.Int64("from-sequence"),
				AccountStream: cCtx.Bool("account-stream"),
			})
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

package feeder

import (
	"github.com/fleetglass/fleetglass/pkg/ingest"
	"github.com/fleetglass/fleetglass/pkg/redis_client"
	"github.com/fleetglass/fleetglass/pkg/util"
	"github.com/urfave/cli/v2"
)

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "feeder",
		Usage: "Connects external telematics feeds to the report queue",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the STOMP feed connector",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "address",
						Usage:    "broker address (host:port)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "topic",
						Usage:    "topic carrying position messages",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					if err := redis_client.Connect(); err != nil {
						return err
					}

					queue, err := ingest.OpenReportQueue()
					if err != nil {
						return err
					}

					feed := &StompFeed{
						Address:  c.String("address"),
						Username: util.GetEnvironmentVariable("FLEETGLASS_FEED_USERNAME", ""),
						Password: util.GetEnvironmentVariable("FLEETGLASS_FEED_PASSWORD", ""),
						Topic:    c.String("topic"),

						Queue: queue,
					}

					feed.Run()

					return nil
				},
			},
		},
	}
}

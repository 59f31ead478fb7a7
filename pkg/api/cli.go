package api

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"github.com/fleetglass/fleetglass/pkg/api/routes"
	"github.com/fleetglass/fleetglass/pkg/database"
	"github.com/fleetglass/fleetglass/pkg/fleet"
	"github.com/fleetglass/fleetglass/pkg/hub"
	"github.com/fleetglass/fleetglass/pkg/ingest"
	"github.com/fleetglass/fleetglass/pkg/query"
	"github.com/fleetglass/fleetglass/pkg/redis_client"
	"github.com/fleetglass/fleetglass/pkg/scope"
	"github.com/fleetglass/fleetglass/pkg/store"
	"github.com/kr/pretty"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/bson"
)

func RegisterCLI() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Runs the fleet tracking API, broadcast hub and report consumers",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the tracking server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Value: ":8080",
						Usage: "listen target for the web server",
					},
					&cli.StringFlag{
						Name:  "stats-listen",
						Value: ":3333",
						Usage: "listen target for the queue stats server",
					},
				},
				Action: func(c *cli.Context) error {
					if err := connectWithRetry(); err != nil {
						return err
					}
					if err := redis_client.Connect(); err != nil {
						return err
					}

					registry := scope.NewMongoRegistry()
					resolver := scope.NewResolver(registry, scope.CreateScopeCache())

					locationStore := store.NewStore(registry, store.NewMongoPersistence())
					broadcastHub := hub.NewHub(hub.ConfigFromEnvironment(), locationStore)
					pipeline := ingest.NewPipeline(locationStore, broadcastHub, registry, nil)
					facade := query.NewFacade(locationStore, resolver)

					reportQueue, err := ingest.OpenReportQueue()
					if err != nil {
						return err
					}

					if err := ingest.StartConsumers(pipeline); err != nil {
						return err
					}

					go ingest.StartStatsServer(c.String("stats-listen"))

					deps := &routes.Deps{
						Store:    locationStore,
						Hub:      broadcastHub,
						Pipeline: pipeline,
						Facade:   facade,
						Resolver: resolver,
						Registry: registry,

						ReportQueue: reportQueue,
					}

					return SetupServer(c.String("listen"), deps)
				},
			},
			{
				Name:      "inspect-vehicle",
				Usage:     "dump a vehicle and its current location record",
				ArgsUsage: "<identifier>",
				Action: func(c *cli.Context) error {
					if err := database.Connect(); err != nil {
						return err
					}

					identifier := c.Args().First()

					vehiclesCollection := database.GetCollection("vehicles")
					var vehicle *fleet.Vehicle
					vehiclesCollection.FindOne(context.Background(), bson.M{"primaryidentifier": identifier}).Decode(&vehicle)

					locationsCollection := database.GetCollection("vehicle_locations")
					var record *fleet.LocationRecord
					locationsCollection.FindOne(context.Background(), bson.M{"vehicleid": identifier}).Decode(&record)

					pretty.Println(vehicle)
					pretty.Println(record)

					return nil
				},
			},
		},
	}
}

func connectWithRetry() error {
	retryBackoff := backoff.NewExponentialBackOff()

	return backoff.Retry(func() error {
		err := database.Connect()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to database, retrying")
		}

		return err
	}, retryBackoff)
}

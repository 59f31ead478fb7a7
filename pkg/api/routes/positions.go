package routes

import (
	"time"

	"github.com/fleetglass/fleetglass/pkg/fleet"
	"github.com/fleetglass/fleetglass/pkg/ingest"
	"github.com/gofiber/fiber/v2"
	"github.com/liip/sheriff"
	"github.com/rs/zerolog/log"
)

func PositionsRouter(router fiber.Router, deps *Deps) {
	router.Get("/", getSnapshot(deps))
	router.Post("/batch", submitBatch(deps))
}

func getSnapshot(deps *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal := c.Locals("account_userid").(string)

		snapshot, err := deps.Facade.Snapshot(c.Context(), principal)
		if err != nil {
			c.SendStatus(fiber.StatusInternalServerError)
			return c.JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		snapshotReduced, err := sheriff.Marshal(&sheriff.Options{
			Groups: []string{"basic"},
		}, snapshot)

		if err != nil {
			c.SendStatus(fiber.StatusInternalServerError)
			return c.JSON(fiber.Map{
				"error": "Sheriff could not reduce snapshot",
			})
		}

		return c.JSON(snapshotReduced)
	}
}

func submitBatch(deps *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal := c.Locals("account_userid").(string)

		var requestBody []struct {
			VehicleID string    `json:"vehicleId"`
			Latitude  float64   `json:"lat"`
			Longitude float64   `json:"lon"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := c.BodyParser(&requestBody); err != nil {
			c.SendStatus(fiber.StatusBadRequest)
			return c.JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		queued := 0
		for _, entry := range requestBody {
			queuedReport := ingest.QueuedReport{
				VehicleID: entry.VehicleID,
				Principal: principal,
				Report: fleet.LocationReport{
					Latitude:  entry.Latitude,
					Longitude: entry.Longitude,
					Timestamp: entry.Timestamp,
				},
			}

			if err := ingest.SubmitToQueue(deps.ReportQueue, queuedReport); err != nil {
				log.Error().Err(err).Str("vehicle", entry.VehicleID).Msg("Failed to queue report")
				continue
			}

			queued++
		}

		c.SendStatus(fiber.StatusAccepted)
		return c.JSON(fiber.Map{
			"queued": queued,
		})
	}
}

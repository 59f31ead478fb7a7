package routes

import (
	"context"
	"errors"
	"time"

	"github.com/fleetglass/fleetglass/pkg/database"
	"github.com/fleetglass/fleetglass/pkg/fleet"
	"github.com/fleetglass/fleetglass/pkg/ingest"
	"github.com/fleetglass/fleetglass/pkg/store"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/liip/sheriff"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func VehiclesRouter(router fiber.Router, deps *Deps) {
	router.Get("/", listVehicles(deps))
	router.Post("/", registerVehicle(deps))
	router.Patch("/:identifier", updateVehicle(deps))
	router.Delete("/:identifier", deleteVehicle(deps))
	router.Post("/:identifier/transfer", transferVehicle(deps))
	router.Post("/:identifier/position", reportPosition(deps))
}

func listVehicles(deps *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal := c.Locals("account_userid").(string)

		vehiclesCollection := database.GetCollection("vehicles")
		cursor, err := vehiclesCollection.Find(c.Context(), bson.M{"owner": principal})
		if err != nil {
			c.SendStatus(fiber.StatusInternalServerError)
			return c.JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		vehicles := []fleet.Vehicle{}
		for cursor.Next(c.Context()) {
			var vehicle *fleet.Vehicle
			if err := cursor.Decode(&vehicle); err != nil {
				log.Error().Err(err).Msg("Failed to decode Vehicle")
				continue
			}

			vehicles = append(vehicles, *vehicle)
		}

		vehiclesReduced, err := sheriff.Marshal(&sheriff.Options{
			Groups: []string{"basic", "detailed"},
		}, vehicles)

		if err != nil {
			c.SendStatus(fiber.StatusInternalServerError)
			return c.JSON(fiber.Map{
				"error": "Sheriff could not reduce vehicles",
			})
		}

		return c.JSON(vehiclesReduced)
	}
}

func registerVehicle(deps *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal := c.Locals("account_userid").(string)

		var requestBody struct {
			DisplayName  string
			Registration string
		}
		if err := c.BodyParser(&requestBody); err != nil {
			c.SendStatus(fiber.StatusBadRequest)
			return c.JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		now := time.Now()
		vehicle := fleet.Vehicle{
			PrimaryIdentifier: "FLEETGLASS:VEHICLE:" + uuid.New().String(),
			Owner:             principal,

			DisplayName:  requestBody.DisplayName,
			Registration: requestBody.Registration,

			CreationDateTime:     now,
			ModificationDateTime: now,
		}

		vehiclesCollection := database.GetCollection("vehicles")
		if _, err := vehiclesCollection.InsertOne(c.Context(), vehicle); err != nil {
			c.SendStatus(fiber.StatusInternalServerError)
			return c.JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		refreshPrincipalScope(deps, principal)

		return c.JSON(fiber.Map{
			"success":           true,
			"primaryIdentifier": vehicle.PrimaryIdentifier,
		})
	}
}

func updateVehicle(deps *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal := c.Locals("account_userid").(string)
		identifier := c.Params("identifier")

		if status := requireOwnership(c.Context(), deps, identifier, principal); status != 0 {
			c.SendStatus(status)
			return c.JSON(fiber.Map{
				"error": "Vehicle not found or not owned by caller",
			})
		}

		var requestBody struct {
			DisplayName  string
			Registration string
		}
		if err := c.BodyParser(&requestBody); err != nil {
			c.SendStatus(fiber.StatusBadRequest)
			return c.JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		updateFields := bson.M{"modificationdatetime": time.Now()}
		if requestBody.DisplayName != "" {
			updateFields["displayname"] = requestBody.DisplayName
		}
		if requestBody.Registration != "" {
			updateFields["registration"] = requestBody.Registration
		}

		vehiclesCollection := database.GetCollection("vehicles")
		_, err := vehiclesCollection.UpdateOne(c.Context(), bson.M{"primaryidentifier": identifier}, bson.M{"$set": updateFields})
		if err != nil {
			c.SendStatus(fiber.StatusInternalServerError)
			return c.JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.JSON(fiber.Map{
			"success": true,
		})
	}
}

func deleteVehicle(deps *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal := c.Locals("account_userid").(string)
		identifier := c.Params("identifier")

		if status := requireOwnership(c.Context(), deps, identifier, principal); status != 0 {
			c.SendStatus(status)
			return c.JSON(fiber.Map{
				"error": "Vehicle not found or not owned by caller",
			})
		}

		vehiclesCollection := database.GetCollection("vehicles")
		if _, err := vehiclesCollection.DeleteOne(c.Context(), bson.M{"primaryidentifier": identifier}); err != nil {
			c.SendStatus(fiber.StatusInternalServerError)
			return c.JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		// Deleting a vehicle also purges its location record and terminates
		// any live broadcast interest in it.
		if err := deps.Store.Remove(c.Context(), identifier); err != nil {
			log.Error().Err(err).Str("vehicle", identifier).Msg("Failed to purge location record")
		}
		deps.Hub.DropVehicle(identifier)

		refreshPrincipalScope(deps, principal)

		return c.JSON(fiber.Map{
			"success": true,
		})
	}
}

func transferVehicle(deps *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal := c.Locals("account_userid").(string)
		identifier := c.Params("identifier")

		if status := requireOwnership(c.Context(), deps, identifier, principal); status != 0 {
			c.SendStatus(status)
			return c.JSON(fiber.Map{
				"error": "Vehicle not found or not owned by caller",
			})
		}

		var requestBody struct {
			NewOwner string
		}
		if err := c.BodyParser(&requestBody); err != nil || requestBody.NewOwner == "" {
			c.SendStatus(fiber.StatusBadRequest)
			return c.JSON(fiber.Map{
				"error": "NewOwner is required",
			})
		}

		vehiclesCollection := database.GetCollection("vehicles")
		update := bson.M{"$set": bson.M{
			"owner":                requestBody.NewOwner,
			"modificationdatetime": time.Now(),
		}}
		if _, err := vehiclesCollection.UpdateOne(c.Context(), bson.M{"primaryidentifier": identifier}, update); err != nil {
			c.SendStatus(fiber.StatusInternalServerError)
			return c.JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		// Both principals' scopes changed; their live sessions must follow.
		refreshPrincipalScope(deps, principal)
		refreshPrincipalScope(deps, requestBody.NewOwner)

		return c.JSON(fiber.Map{
			"success": true,
		})
	}
}

func reportPosition(deps *Deps) fiber.Handler {
	return func(c *fiber.Ctx) error {
		principal := c.Locals("account_userid").(string)
		identifier := c.Params("identifier")

		var report fleet.LocationReport
		if err := c.BodyParser(&report); err != nil {
			c.SendStatus(fiber.StatusBadRequest)
			return c.JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		err := deps.Pipeline.Ingest(c.Context(), identifier, principal, report)

		switch {
		case err == nil:
			return c.JSON(fiber.Map{
				"success": true,
			})
		case errors.Is(err, ingest.ErrUnauthorized):
			c.SendStatus(fiber.StatusUnauthorized)
		case errors.Is(err, ingest.ErrMalformed), errors.Is(err, store.ErrInvalidCoordinates):
			c.SendStatus(fiber.StatusBadRequest)
		case errors.Is(err, store.ErrStaleTimestamp):
			c.SendStatus(fiber.StatusConflict)
		case errors.Is(err, store.ErrUnknownVehicle):
			c.SendStatus(fiber.StatusNotFound)
		default:
			c.SendStatus(fiber.StatusInternalServerError)
		}

		return c.JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

// requireOwnership returns 0 when the principal owns the vehicle, otherwise
// the HTTP status to reply with.
func requireOwnership(ctx context.Context, deps *Deps, vehicleID string, principal string) int {
	vehiclesCollection := database.GetCollection("vehicles")

	var vehicle *fleet.Vehicle
	err := vehiclesCollection.FindOne(ctx, bson.M{"primaryidentifier": vehicleID}).Decode(&vehicle)

	if errors.Is(err, mongo.ErrNoDocuments) {
		return fiber.StatusNotFound
	}
	if err != nil {
		return fiber.StatusInternalServerError
	}
	if vehicle.Owner != principal {
		return fiber.StatusForbidden
	}

	return 0
}

func refreshPrincipalScope(deps *Deps, principal string) {
	ctx := context.Background()

	deps.Resolver.Invalidate(ctx, principal)

	vehicleIDs, err := deps.Resolver.ScopeFor(ctx, principal)
	if err != nil {
		log.Error().Err(err).Str("principal", principal).Msg("Failed to re-resolve scope")
		return
	}

	deps.Hub.RefreshScope(ctx, principal, vehicleIDs)
}

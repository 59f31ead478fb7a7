package api

import (
	"github.com/fleetglass/fleetglass/pkg/api/routes"
	"github.com/gofiber/fiber/v2"
)

func SetupServer(listen string, deps *routes.Deps) error {
	webApp := fiber.New()
	webApp.Use(NewLogger())

	group := webApp.Group("/core")

	group.Get("version", routes.APIVersion)

	authenticated := group.Group("", EnsureValidToken())

	routes.VehiclesRouter(authenticated.Group("/vehicles"), deps)

	positionsGroup := authenticated.Group("/positions")
	routes.StreamRouter(positionsGroup, deps)
	routes.PositionsRouter(positionsGroup, deps)

	return webApp.Listen(listen)
}

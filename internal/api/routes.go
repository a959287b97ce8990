package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)

	// Vehicles
	r.Route("/vehicles", func(r chi.Router) {
		// Enrollment is public, the device proves itself with its secret
		r.Post("/register", s.HandleRegisterVehicle)
		r.Post("/authenticate", s.HandleAuthenticateVehicle)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.HandleListVehicles)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetVehicle)
				r.Delete("/", s.HandleDecommissionVehicle)
				r.Put("/status", s.HandleUpdateVehicleStatus)
				r.Get("/telemetry", s.HandleVehicleTelemetry)
				r.Get("/health", s.HandleVehicleHealth)
			})
		})
	})

	// Missions
	r.Route("/missions", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/", s.HandleListMissions)
		r.Post("/", s.HandleCreateMission)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.HandleGetMission)
			r.Delete("/", s.HandleCancelMission)
			r.Get("/status", s.HandleMissionStatusHistory)
			r.Post("/assign/{vehicleId}", s.HandleAssignMission)
		})
	})
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/directory"
	"github.com/fleetlink/fleet-gateway/internal/enrollment"
	"github.com/fleetlink/fleet-gateway/internal/mission"
	"github.com/fleetlink/fleet-gateway/internal/models"
	"github.com/fleetlink/fleet-gateway/internal/session"
	"github.com/fleetlink/fleet-gateway/internal/storage"
	"github.com/fleetlink/fleet-gateway/internal/validation"
)

// ========== Health ==========

// HandleHealth reports the bus session state and record counts
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := session.StateDisconnected
	if s.session != nil {
		state = s.session.State()
	}

	vehicles, err := s.dir.Count(ctx, nil)
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	active := models.DeviceStatusActive
	activeVehicles, err := s.dir.Count(ctx, &active)
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	missions, err := s.missions.Count(ctx, nil)
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	status, code := "healthy", http.StatusOK
	if state != session.StateConnected {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	s.respondJSON(w, code, map[string]interface{}{
		"status":         status,
		"mqtt":           state.String(),
		"vehicles":       vehicles,
		"activeVehicles": activeVehicles,
		"missions":       missions,
		"time":           time.Now().UTC(),
	})
}

// ========== Vehicle handlers ==========

// HandleRegisterVehicle registers a vehicle and returns its first token
func (s *RESTServer) HandleRegisterVehicle(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.enroller.Register(r.Context(), req.VehicleID, req.Password, req.Profile())
	s.respondOutcome(w, http.StatusCreated, "registration", res, res != nil, err)
}

// HandleAuthenticateVehicle exchanges a vehicle secret for a fresh token
func (s *RESTServer) HandleAuthenticateVehicle(w http.ResponseWriter, r *http.Request) {
	var req models.AuthMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.enroller.Authenticate(r.Context(), req.VehicleID, req.Password)
	s.respondOutcome(w, http.StatusOK, "authentication", res, res != nil, err)
}

// HandleListVehicles lists vehicles
func (s *RESTServer) HandleListVehicles(w http.ResponseWriter, r *http.Request) {
	var status *models.DeviceStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.DeviceStatus(v)
		if !st.Valid() {
			s.respondError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &st
	}
	limit, offset := pagination(r)

	vehicles, total, err := s.dir.List(r.Context(), status, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"vehicles": vehicles,
		"total":    total,
	})
}

// HandleGetVehicle gets a vehicle
func (s *RESTServer) HandleGetVehicle(w http.ResponseWriter, r *http.Request) {
	device, err := s.dir.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, device)
}

// HandleUpdateVehicleStatus moves a vehicle along its lifecycle
func (s *RESTServer) HandleUpdateVehicleStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.DeviceStatus `json:"status" validate:"required,oneof=registered active inactive maintenance decommissioned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	if req.Status == models.DeviceStatusDecommissioned {
		s.decommission(w, r, id)
		return
	}

	if _, err := s.dir.SetStatus(r.Context(), id, req.Status); err != nil {
		s.respondFailure(w, err)
		return
	}
	s.HandleGetVehicle(w, r)
}

// HandleDecommissionVehicle retires a vehicle
func (s *RESTServer) HandleDecommissionVehicle(w http.ResponseWriter, r *http.Request) {
	s.decommission(w, r, chi.URLParam(r, "id"))
}

func (s *RESTServer) decommission(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.dir.Decommission(r.Context(), id); err != nil {
		s.respondFailure(w, err)
		return
	}
	log.Info().Str("device_id", id).Msg("Vehicle decommissioned")
	s.HandleGetVehicle(w, r)
}

// HandleVehicleTelemetry returns telemetry history, newest first
func (s *RESTServer) HandleVehicleTelemetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.dir.FindByID(r.Context(), id); err != nil {
		s.respondFailure(w, err)
		return
	}

	tr, limit, err := timeQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.series.FindTelemetry(r.Context(), id, tr, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"telemetry": records,
		"count":     len(records),
	})
}

// HandleVehicleHealth returns health history, newest first
func (s *RESTServer) HandleVehicleHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.dir.FindByID(r.Context(), id); err != nil {
		s.respondFailure(w, err)
		return
	}

	tr, limit, err := timeQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.series.FindHealth(r.Context(), id, tr, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"health": records,
		"count":  len(records),
	})
}

// ========== Mission handlers ==========

// HandleListMissions lists missions
func (s *RESTServer) HandleListMissions(w http.ResponseWriter, r *http.Request) {
	var filter storage.MissionFilter
	if v := r.URL.Query().Get("state"); v != "" {
		st := models.MissionState(v)
		if !st.Valid() {
			s.respondError(w, http.StatusBadRequest, "invalid state")
			return
		}
		filter.State = &st
	}
	if v := r.URL.Query().Get("vehicleId"); v != "" {
		filter.DeviceID = &v
	}
	limit, offset := pagination(r)

	missions, total, err := s.missions.List(r.Context(), filter, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"missions": missions,
		"total":    total,
	})
}

// HandleCreateMission creates a mission
func (s *RESTServer) HandleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req mission.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, err := s.missions.Create(r.Context(), req)
	s.respondOutcome(w, http.StatusCreated, "mission", m, m != nil, err)
}

// HandleGetMission gets a mission
func (s *RESTServer) HandleGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.missions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, m)
}

// HandleAssignMission assigns a mission to a vehicle
func (s *RESTServer) HandleAssignMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.missions.Assign(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "vehicleId"))
	s.respondOutcome(w, http.StatusOK, "mission", m, m != nil, err)
}

// HandleCancelMission cancels a mission
func (s *RESTServer) HandleCancelMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.missions.Cancel(r.Context(), chi.URLParam(r, "id"))
	s.respondOutcome(w, http.StatusOK, "mission", m, m != nil, err)
}

// HandleMissionStatusHistory returns the status reports of a mission
func (s *RESTServer) HandleMissionStatusHistory(w http.ResponseWriter, r *http.Request) {
	tr, limit, err := timeQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.missions.StatusHistory(r.Context(), chi.URLParam(r, "id"), tr, limit)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": records,
		"count":  len(records),
	})
}

// ========== Responses ==========

// respondOutcome writes the result of a write that may have been saved
// even though its bus delivery failed.
func (s *RESTServer) respondOutcome(w http.ResponseWriter, status int, key string, value interface{}, saved bool, err error) {
	if err == nil {
		s.respondJSON(w, status, value)
		return
	}
	if !saved {
		s.respondFailure(w, err)
		return
	}

	if errors.Is(err, session.ErrDeliveryUnknown) {
		s.respondJSON(w, http.StatusAccepted, value)
		return
	}

	log.Warn().Err(err).Str("resource", key).Msg("Saved but not delivered")
	s.respondJSON(w, statusFor(err), map[string]interface{}{
		"error": err.Error(),
		key:     value,
	})
}

// respondFailure maps a domain error to its HTTP status
func (s *RESTServer) respondFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	s.respondError(w, code, err.Error())
}

func statusFor(err error) int {
	var pubErr *session.PublishError
	switch {
	case errors.As(err, &pubErr):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrDeliveryUnknown):
		return http.StatusAccepted
	case errors.Is(err, validation.ErrInvalid), errors.Is(err, directory.ErrInvalidDeviceID):
		return http.StatusBadRequest
	case errors.Is(err, enrollment.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, directory.ErrNotFound), errors.Is(err, mission.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, mission.ErrVehicleInactive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, directory.ErrAlreadyRegistered),
		errors.Is(err, mission.ErrTerminal),
		errors.Is(err, mission.ErrNotAssignable),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// ========== Helper functions ==========

func pagination(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// timeQuery reads start, end and limit. Times are RFC 3339 or epoch millis.
func timeQuery(r *http.Request) (storage.TimeRange, int, error) {
	var tr storage.TimeRange
	q := r.URL.Query()

	start, err := parseTime(q.Get("start"))
	if err != nil {
		return tr, 0, fmt.Errorf("invalid start: %w", err)
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		return tr, 0, fmt.Errorf("invalid end: %w", err)
	}
	tr.Start, tr.End = start, end

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	return tr, limit, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetlink/fleet-gateway/internal/auth"
	"github.com/fleetlink/fleet-gateway/internal/config"
	"github.com/fleetlink/fleet-gateway/internal/directory"
	"github.com/fleetlink/fleet-gateway/internal/dispatch"
	"github.com/fleetlink/fleet-gateway/internal/enrollment"
	"github.com/fleetlink/fleet-gateway/internal/mission"
	"github.com/fleetlink/fleet-gateway/internal/session"
	"github.com/fleetlink/fleet-gateway/internal/storage"
	"github.com/fleetlink/fleet-gateway/internal/topic"
)

type fakeSession struct {
	state session.State
}

func (f fakeSession) State() session.State { return f.state }

// switchPublisher records publishes and fails them while failing is set
type switchPublisher struct {
	mu      sync.Mutex
	failing bool
	topics  []string
}

func (p *switchPublisher) Publish(ctx context.Context, topicName string, payload []byte, qos byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return &session.PublishError{Topic: topicName, Err: session.ErrNotConnected}
	}
	p.topics = append(p.topics, topicName)
	return nil
}

func (p *switchPublisher) setFailing(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = v
}

func (p *switchPublisher) sent(topicName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		if t == topicName {
			return true
		}
	}
	return false
}

type testServer struct {
	srv    *RESTServer
	pub    *switchPublisher
	series *storage.MemoryTimeseriesStore
}

func newTestServer(t *testing.T, adminToken string, state session.State) *testServer {
	t.Helper()

	cfg := &config.Config{
		API: config.APIConfig{AdminToken: adminToken},
		JWT: config.JWTConfig{Secret: "test-secret", TokenTTL: time.Hour, Issuer: "test"},
	}

	store := storage.NewMemoryStore()
	series := storage.NewMemoryTimeseriesStore()
	dir := directory.New(store)
	pub := &switchPublisher{}
	dispatcher := dispatch.New(pub, topic.NewLayout("device"), 1)
	tokens := auth.NewJWTManager(&cfg.JWT)

	srv := NewRESTServer(cfg, Services{
		Directory: dir,
		Enroller:  enrollment.New(dir, tokens, dispatcher, nil),
		Missions:  mission.NewService(store, series, dir, dispatcher, nil),
		Series:    series,
		Session:   fakeSession{state: state},
	})

	return &testServer{srv: srv, pub: pub, series: series}
}

func (ts *testServer) do(t *testing.T, method, path, body, bearer string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, out
}

// onboard registers and authenticates a vehicle so it becomes active
func (ts *testServer) onboard(t *testing.T, id string) {
	t.Helper()
	body := `{"vehicleId":"` + id + `","password":"s3cret"}`
	if rec, _ := ts.do(t, http.MethodPost, "/api/v1/vehicles/register", body, ""); rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d: %s", id, rec.Code, rec.Body.String())
	}
	if rec, _ := ts.do(t, http.MethodPost, "/api/v1/vehicles/authenticate", body, ""); rec.Code != http.StatusOK {
		t.Fatalf("authenticate %s: status %d: %s", id, rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "", session.StateConnected)
	ts.onboard(t, "V1")

	rec, body := ts.do(t, http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["mqtt"] != "connected" {
		t.Errorf("mqtt = %v, want connected", body["mqtt"])
	}
	if body["vehicles"] != float64(1) || body["activeVehicles"] != float64(1) {
		t.Errorf("counts = %v/%v, want 1/1", body["vehicles"], body["activeVehicles"])
	}

	down := newTestServer(t, "", session.StateConnecting)
	rec, body = down.do(t, http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while connecting", rec.Code)
	}
	if body["status"] != "degraded" {
		t.Errorf("status field = %v, want degraded", body["status"])
	}
}

func TestRegisterVehicle(t *testing.T) {
	ts := newTestServer(t, "", session.StateConnected)

	rec, body := ts.do(t, http.MethodPost, "/api/v1/vehicles/register",
		`{"vehicleId":"V1","password":"s3cret","name":"Rover","model":"R2"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if tok, _ := body["token"].(string); tok == "" {
		t.Error("response carries no token")
	}
	vehicle, _ := body["vehicle"].(map[string]interface{})
	if vehicle["status"] != "registered" || vehicle["name"] != "Rover" {
		t.Errorf("vehicle = %v", vehicle)
	}
	if _, leaked := vehicle["passwordHash"]; leaked {
		t.Error("password hash exposed")
	}
	if !ts.pub.sent("device/V1/auth/token") {
		t.Error("token not published to the vehicle")
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"duplicate", `{"vehicleId":"V1","password":"other"}`, http.StatusConflict},
		{"missing password", `{"vehicleId":"V2"}`, http.StatusBadRequest},
		{"bad id", `{"vehicleId":"a/b","password":"x"}`, http.StatusBadRequest},
		{"not json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := ts.do(t, http.MethodPost, "/api/v1/vehicles/register", tt.body, "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRegisterVehicle_DeliveryFailed(t *testing.T) {
	ts := newTestServer(t, "", session.StateDisconnected)
	ts.pub.setFailing(true)

	rec, body := ts.do(t, http.MethodPost, "/api/v1/vehicles/register",
		`{"vehicleId":"V1","password":"s3cret"}`, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	reg, _ := body["registration"].(map[string]interface{})
	if tok, _ := reg["token"].(string); tok == "" {
		t.Error("saved registration missing from response")
	}

	// The vehicle exists despite the failed delivery
	rec, _ = ts.do(t, http.MethodGet, "/api/v1/vehicles/V1", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("get after failed delivery = %d, want 200", rec.Code)
	}
}

func TestAuthenticateVehicle(t *testing.T) {
	ts := newTestServer(t, "", session.StateConnected)
	ts.do(t, http.MethodPost, "/api/v1/vehicles/register", `{"vehicleId":"V1","password":"s3cret"}`, "")

	for name, body := range map[string]string{
		"wrong secret":   `{"vehicleId":"V1","password":"nope"}`,
		"unknown device": `{"vehicleId":"V9","password":"s3cret"}`,
	} {
		rec, _ := ts.do(t, http.MethodPost, "/api/v1/vehicles/authenticate", body, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, rec.Code)
		}
	}

	rec, body := ts.do(t, http.MethodPost, "/api/v1/vehicles/authenticate", `{"vehicleId":"V1","password":"s3cret"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	vehicle, _ := body["vehicle"].(map[string]interface{})
	if vehicle["status"] != "active" {
		t.Errorf("status = %v, want active", vehicle["status"])
	}
}

func TestAdminToken(t *testing.T) {
	ts := newTestServer(t, "admin-secret", session.StateConnected)

	if rec, _ := ts.do(t, http.MethodGet, "/api/v1/vehicles", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec, _ := ts.do(t, http.MethodGet, "/api/v1/missions", "", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
	if rec, _ := ts.do(t, http.MethodGet, "/api/v1/vehicles", "", "admin-secret"); rec.Code != http.StatusOK {
		t.Errorf("admin token: status = %d, want 200", rec.Code)
	}

	// Enrollment and health stay public
	ts.onboard(t, "V1")
	if rec, _ := ts.do(t, http.MethodGet, "/api/v1/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rec.Code)
	}
}

func TestVehicleLifecycle(t *testing.T) {
	ts := newTestServer(t, "", session.StateConnected)
	ts.onboard(t, "V1")

	rec, body := ts.do(t, http.MethodPut, "/api/v1/vehicles/V1/status", `{"status":"maintenance"}`, "")
	if rec.Code != http.StatusOK || body["status"] != "maintenance" {
		t.Fatalf("to maintenance: %d %v", rec.Code, body)
	}

	rec, _ = ts.do(t, http.MethodPut, "/api/v1/vehicles/V1/status", `{"status":"flying"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown status: %d, want 400", rec.Code)
	}

	rec, body = ts.do(t, http.MethodDelete, "/api/v1/vehicles/V1", "", "")
	if rec.Code != http.StatusOK || body["status"] != "decommissioned" {
		t.Fatalf("decommission: %d %v", rec.Code, body)
	}

	rec, _ = ts.do(t, http.MethodPut, "/api/v1/vehicles/V1/status", `{"status":"active"}`, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("revive decommissioned: %d, want 409", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/vehicles/authenticate", `{"vehicleId":"V1","password":"s3cret"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("authenticate decommissioned: %d, want 401", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodGet, "/api/v1/vehicles/V9", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown vehicle: %d, want 404", rec.Code)
	}
}

func TestListVehicles(t *testing.T) {
	ts := newTestServer(t, "", session.StateConnected)
	ts.onboard(t, "V1")
	ts.do(t, http.MethodPost, "/api/v1/vehicles/register", `{"vehicleId":"V2","password":"x"}`, "")

	_, body := ts.do(t, http.MethodGet, "/api/v1/vehicles", "", "")
	if body["total"] != float64(2) {
		t.Errorf("total = %v, want 2", body["total"])
	}

	_, body = ts.do(t, http.MethodGet, "/api/v1/vehicles?status=registered", "", "")
	if body["total"] != float64(1) {
		t.Errorf("registered total = %v, want 1", body["total"])
	}

	rec, _ := ts.do(t, http.MethodGet, "/api/v1/vehicles?status=bogus", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus filter: %d, want 400", rec.Code)
	}
}

func TestVehicleHistory(t *testing.T) {
	ts := newTestServer(t, "", session.StateConnected)
	ts.onboard(t, "V1")

	rec, body := ts.do(t, http.MethodGet, "/api/v1/vehicles/V1/telemetry?limit=10", "", "")
	if rec.Code != http.StatusOK || body["count"] != float64(0) {
		t.Errorf("telemetry: %d %v", rec.Code, body)
	}

	rec, _ = ts.do(t, http.MethodGet, "/api/v1/vehicles/V1/health?start=yesterday", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad start: %d, want 400", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodGet, "/api/v1/vehicles/V9/telemetry", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown vehicle: %d, want 404", rec.Code)
	}
}

func TestMissionRoutes(t *testing.T) {
	ts := newTestServer(t, "", session.StateConnected)
	ts.do(t, http.MethodPost, "/api/v1/vehicles/register", `{"vehicleId":"IDLE","password":"x"}`, "")

	rec, _ := ts.do(t, http.MethodPost, "/api/v1/missions", `{"name":"Survey","assignedVehicleId":"IDLE"}`, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("assign to registered vehicle: %d, want 422", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/missions", `{"type":"delivery"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: %d, want 400", rec.Code)
	}

	ts.onboard(t, "V1")
	rec, body := ts.do(t, http.MethodPost, "/api/v1/missions", `{"name":"Survey"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	id, _ := body["missionId"].(string)
	if !strings.HasPrefix(id, "MISSION-") || body["state"] != "pending" || body["priority"] != "medium" {
		t.Fatalf("created mission = %v", body)
	}

	rec, body = ts.do(t, http.MethodPost, "/api/v1/missions/"+id+"/assign/V1", "", "")
	if rec.Code != http.StatusOK || body["state"] != "assigned" {
		t.Fatalf("assign: %d %v", rec.Code, body)
	}
	if !ts.pub.sent("device/V1/mission/command") {
		t.Error("mission command not published")
	}

	_, body = ts.do(t, http.MethodGet, "/api/v1/missions?vehicleId=V1&state=assigned", "", "")
	if body["total"] != float64(1) {
		t.Errorf("filtered total = %v, want 1", body["total"])
	}

	rec, body = ts.do(t, http.MethodDelete, "/api/v1/missions/"+id, "", "")
	if rec.Code != http.StatusOK || body["state"] != "cancelled" {
		t.Fatalf("cancel: %d %v", rec.Code, body)
	}
	if !ts.pub.sent("device/V1/mission/cancel") {
		t.Error("cancel not published")
	}

	rec, _ = ts.do(t, http.MethodDelete, "/api/v1/missions/"+id, "", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel twice: %d, want 409", rec.Code)
	}

	rec, body = ts.do(t, http.MethodGet, "/api/v1/missions/"+id+"/status", "", "")
	if rec.Code != http.StatusOK || body["count"] != float64(0) {
		t.Errorf("status history: %d %v", rec.Code, body)
	}

	rec, _ = ts.do(t, http.MethodGet, "/api/v1/missions/MISSION-missing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown mission: %d, want 404", rec.Code)
	}
}

func TestCreateMission_DeliveryFailed(t *testing.T) {
	ts := newTestServer(t, "", session.StateConnected)
	ts.onboard(t, "V1")
	ts.pub.setFailing(true)

	rec, body := ts.do(t, http.MethodPost, "/api/v1/missions", `{"name":"Patrol","assignedVehicleId":"V1"}`, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	m, _ := body["mission"].(map[string]interface{})
	id, _ := m["missionId"].(string)
	if id == "" {
		t.Fatalf("saved mission missing from response: %v", body)
	}

	rec, body = ts.do(t, http.MethodGet, "/api/v1/missions/"+id, "", "")
	if rec.Code != http.StatusOK || body["state"] != "assigned" {
		t.Errorf("mission after failed delivery: %d %v", rec.Code, body)
	}
}

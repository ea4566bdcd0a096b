package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nerrad567/fleet-core/internal/auth"
	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
	"github.com/nerrad567/fleet-core/internal/infrastructure/logging"
	"github.com/nerrad567/fleet-core/internal/queue"
	"github.com/nerrad567/fleet-core/internal/task"
)

func TestNew_RequiresDependencies(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{}},
		{"no manager", Deps{Logger: logging.Default()}},
		{"no tasks", Deps{Logger: logging.Default(), Manager: &fleet.Manager{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		ts := newTestServer(t, withChecks(map[string]HealthChecker{"database": fakeChecker{}}))

		var body struct {
			Status       string            `json:"status"`
			Version      string            `json:"version"`
			Dependencies map[string]string `json:"dependencies"`
		}
		if code := ts.do(t, http.MethodGet, "/api/v1/health", "", nil, &body); code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
		if body.Status != "ok" || body.Version != "test" || body.Dependencies["database"] != "ok" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("degraded", func(t *testing.T) {
		ts := newTestServer(t, withChecks(map[string]HealthChecker{
			"database": fakeChecker{},
			"mqtt":     fakeChecker{err: errors.New("not connected")},
		}))

		var body struct {
			Status       string            `json:"status"`
			Dependencies map[string]string `json:"dependencies"`
		}
		if code := ts.do(t, http.MethodGet, "/api/v1/health", "", nil, &body); code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", code)
		}
		if body.Status != "degraded" || body.Dependencies["mqtt"] != "not connected" {
			t.Errorf("body = %+v", body)
		}
	})
}

func TestAuthorisation(t *testing.T) {
	ts := newTestServer(t)
	ts.registerDevice(t, "DP0001", "payments")

	viewer := token(t, auth.RoleViewer)
	operator := token(t, auth.RoleOperator)
	admin := token(t, auth.RoleAdmin)

	tests := []struct {
		name   string
		method string
		path   string
		bearer string
		body   any
		want   int
	}{
		{"no token", http.MethodGet, "/api/v1/devices", "", nil, http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/devices", "not-a-jwt", nil, http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/devices", viewer, nil, http.StatusOK},
		{"viewer cannot submit", http.MethodPost, "/api/v1/devices/DP0001/resync", viewer, nil, http.StatusForbidden},
		{"operator cannot manage inventory", http.MethodPost, "/api/v1/groups", operator, createGroupRequest{Name: "Edge"}, http.StatusForbidden},
		{"operator cannot deploy", http.MethodPost, "/api/v1/firmware/deploy", operator, deployRequest{Version: "10.5.0", Serials: []string{"DP0001"}}, http.StatusForbidden},
		{"admin manages inventory", http.MethodPost, "/api/v1/groups", admin, createGroupRequest{Name: "Edge"}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var apiErr Error
			code := ts.do(t, tt.method, tt.path, tt.bearer, tt.body, &apiErr)
			if code != tt.want {
				t.Fatalf("status = %d, want %d (%+v)", code, tt.want, apiErr)
			}
		})
	}
}

func TestDevicesAndGroups(t *testing.T) {
	ts := newTestServer(t)
	admin := token(t, auth.RoleAdmin)

	var dev fleet.Device
	code := ts.do(t, http.MethodPost, "/api/v1/devices", admin, fleet.Device{
		Serial: "DP0001", Name: "Edge 1", Host: "dp0001.dc1.example.net", Domains: []string{"payments"},
	}, &dev)
	if code != http.StatusCreated {
		t.Fatalf("create device status = %d", code)
	}
	if dev.Port != fleet.DefaultPort || dev.Area() != fleet.UngroupedArea {
		t.Errorf("created device = %+v", dev)
	}

	if code := ts.do(t, http.MethodPost, "/api/v1/devices", admin, fleet.Device{
		Serial: "DP0001", Name: "dup", Host: "x.example.net",
	}, nil); code != http.StatusConflict {
		t.Errorf("duplicate device status = %d, want 409", code)
	}
	if code := ts.do(t, http.MethodPost, "/api/v1/devices", admin, fleet.Device{Serial: "bad serial!"}, nil); code != http.StatusBadRequest {
		t.Errorf("invalid device status = %d, want 400", code)
	}

	var g fleet.Group
	if code := ts.do(t, http.MethodPost, "/api/v1/groups", admin, createGroupRequest{Name: "Edge"}, &g); code != http.StatusCreated {
		t.Fatalf("create group status = %d", code)
	}

	var moved fleet.Device
	if code := ts.do(t, http.MethodPut, "/api/v1/devices/DP0001/group", admin, moveRequest{GroupID: g.ID}, &moved); code != http.StatusOK {
		t.Fatalf("move status = %d", code)
	}
	if moved.Area() != g.ID {
		t.Errorf("moved area = %q, want %q", moved.Area(), g.ID)
	}

	var list struct {
		Devices []fleet.Device `json:"devices"`
		Count   int            `json:"count"`
	}
	tests := []struct {
		query string
		want  int
	}{
		{"", 1},
		{"?group=" + g.ID, 1},
		{"?group=ungrouped", 0},
		{"?domain=payments", 1},
		{"?domain=billing", 0},
	}
	for _, tt := range tests {
		if code := ts.do(t, http.MethodGet, "/api/v1/devices"+tt.query, admin, nil, &list); code != http.StatusOK {
			t.Fatalf("list%s status = %d", tt.query, code)
		}
		if list.Count != tt.want {
			t.Errorf("list%s count = %d, want %d", tt.query, list.Count, tt.want)
		}
	}

	if code := ts.do(t, http.MethodGet, "/api/v1/devices/missing", admin, nil, nil); code != http.StatusNotFound {
		t.Errorf("get missing status = %d, want 404", code)
	}
	if code := ts.do(t, http.MethodDelete, "/api/v1/groups/"+g.ID, admin, nil, nil); code != http.StatusNoContent {
		t.Errorf("delete group status = %d, want 204", code)
	}
	if code := ts.do(t, http.MethodGet, "/api/v1/devices/DP0001", admin, nil, &dev); code != http.StatusOK || dev.Area() != fleet.UngroupedArea {
		t.Errorf("device after group delete: status %d area %q", code, dev.Area())
	}
	if code := ts.do(t, http.MethodDelete, "/api/v1/devices/DP0001", admin, nil, nil); code != http.StatusNoContent {
		t.Errorf("delete device status = %d, want 204", code)
	}
	if code := ts.do(t, http.MethodDelete, "/api/v1/devices/DP0001", admin, nil, nil); code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", code)
	}
}

// submitted is the 202 body of every task submission.
type submitted struct {
	Task struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Area string `json:"area"`
	} `json:"task"`
	Status struct {
		State       string `json:"state"`
		CurrentStep int    `json:"current_step"`
		TotalSteps  int    `json:"total_steps"`
		Error       string `json:"error"`
	} `json:"status"`
}

func TestTaskLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.registerDevice(t, "DP0001", "payments")
	operator := token(t, auth.RoleOperator)

	var sub submitted
	if code := ts.do(t, http.MethodPost, "/api/v1/devices/DP0001/resync", operator, nil, &sub); code != http.StatusAccepted {
		t.Fatalf("resync status = %d, want 202", code)
	}
	if sub.Task.ID == "" || sub.Task.Name != fleet.TaskResync || sub.Task.Area != fleet.UngroupedArea {
		t.Fatalf("submitted = %+v", sub)
	}

	var done submitted
	code := ts.do(t, http.MethodGet, "/api/v1/tasks/"+sub.Task.ID+"/wait?timeout=3s", operator, nil, &done)
	if code != http.StatusOK {
		t.Fatalf("wait status = %d, want 200", code)
	}
	if done.Status.State != "complete" || done.Status.CurrentStep != 2 {
		t.Errorf("final status = %+v", done.Status)
	}

	var got submitted
	if code := ts.do(t, http.MethodGet, "/api/v1/tasks/"+sub.Task.ID, operator, nil, &got); code != http.StatusOK {
		t.Fatalf("get task status = %d", code)
	}
	if got.Status.State != "complete" {
		t.Errorf("get task state = %q", got.Status.State)
	}

	// The recorder persists finished tasks asynchronously.
	deadline := time.Now().Add(testWait)
	var list struct {
		Tasks []task.Record `json:"tasks"`
		Total int           `json:"total"`
	}
	for {
		ts.do(t, http.MethodGet, "/api/v1/tasks?name="+fleet.TaskResync, operator, nil, &list)
		if list.Total == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if list.Total != 1 || list.Tasks[0].ID != sub.Task.ID || list.Tasks[0].Outcome != task.OutcomeOK {
		t.Errorf("history = %+v", list)
	}

	if code := ts.do(t, http.MethodGet, "/api/v1/tasks?limit=abc", operator, nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", code)
	}
	if code := ts.do(t, http.MethodGet, "/api/v1/tasks/missing", operator, nil, nil); code != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", code)
	}
	if code := ts.do(t, http.MethodGet, "/api/v1/tasks/"+sub.Task.ID+"/wait?timeout=-1s", operator, nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad timeout status = %d, want 400", code)
	}
}

func TestTaskSubmissionErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.registerDevice(t, "DP0001", "payments")
	admin := token(t, auth.RoleAdmin)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown device", "/api/v1/devices/missing/resync", nil, http.StatusNotFound},
		{"unknown domain", "/api/v1/devices/DP0001/domains/billing/sync", nil, http.StatusBadRequest},
		{"deploy without version", "/api/v1/firmware/deploy", deployRequest{Serials: []string{"DP0001"}}, http.StatusBadRequest},
		{"deploy without devices", "/api/v1/firmware/deploy", deployRequest{Version: "10.5.0"}, http.StatusBadRequest},
		{"deploy to unknown device", "/api/v1/firmware/deploy", deployRequest{Version: "10.5.0", Serials: []string{"nope"}}, http.StatusNotFound},
		{"domain sync", "/api/v1/devices/DP0001/domains/payments/sync", nil, http.StatusAccepted},
		{"reboot", "/api/v1/devices/DP0001/reboot", nil, http.StatusAccepted},
		{"deploy", "/api/v1/firmware/deploy", deployRequest{Version: "10.5.0", Serials: []string{"DP0001"}}, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.want == http.StatusAccepted {
				var sub submitted
				if code := ts.do(t, http.MethodPost, tt.path, admin, tt.body, &sub); code != tt.want {
					t.Fatalf("status = %d, want %d", code, tt.want)
				}
				if sub.Task.ID == "" {
					t.Errorf("accepted body = %+v, want a task id", sub)
				}
				return
			}
			var apiErr Error
			if code := ts.do(t, http.MethodPost, tt.path, admin, tt.body, &apiErr); code != tt.want {
				t.Errorf("status = %d, want %d (%+v)", code, tt.want, apiErr)
			}
		})
	}
}

func TestListTasksWithoutHistory(t *testing.T) {
	ts := newTestServer(t, withoutHistory())

	var apiErr Error
	code := ts.do(t, http.MethodGet, "/api/v1/tasks", token(t, auth.RoleViewer), nil, &apiErr)
	if code != http.StatusServiceUnavailable || apiErr.Code != ErrCodeUnavailable {
		t.Errorf("status = %d code = %q, want 503 unavailable", code, apiErr.Code)
	}
}

func TestAreas(t *testing.T) {
	ts := newTestServer(t)

	var body struct {
		Areas  []task.AreaStats `json:"areas"`
		Ingest struct {
			Received uint64 `json:"received"`
		} `json:"ingest"`
		MQTT struct {
			Published     uint64 `json:"published"`
			Subscriptions int    `json:"subscriptions"`
		} `json:"mqtt"`
	}
	if code := ts.do(t, http.MethodGet, "/api/v1/areas", token(t, auth.RoleViewer), nil, &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	found := false
	for _, a := range body.Areas {
		if a.Name == fleet.UngroupedArea {
			found = true
		}
	}
	if !found {
		t.Errorf("areas = %+v, want %q present", body.Areas, fleet.UngroupedArea)
	}
	if body.Ingest.Received != 3 {
		t.Errorf("ingest received = %d, want 3", body.Ingest.Received)
	}
	if body.MQTT.Published != 5 || body.MQTT.Subscriptions != 1 {
		t.Errorf("mqtt = %+v, want published 5, subscriptions 1", body.MQTT)
	}
}

func TestAuditTrail(t *testing.T) {
	ts := newTestServer(t)
	admin := token(t, auth.RoleAdmin)

	ts.do(t, http.MethodPost, "/api/v1/devices", admin, fleet.Device{
		Serial: "DP0001", Name: "Edge 1", Host: "dp0001.dc1.example.net", Domains: []string{"payments"},
	}, nil)
	var sub submitted
	ts.do(t, http.MethodPost, "/api/v1/devices/DP0001/resync", admin, nil, &sub)

	if code := ts.do(t, http.MethodGet, "/api/v1/audit", token(t, auth.RoleOperator), nil, nil); code != http.StatusForbidden {
		t.Errorf("operator audit status = %d, want 403", code)
	}

	var page struct {
		Entries []struct {
			Action     string         `json:"action"`
			EntityType string         `json:"entity_type"`
			EntityID   string         `json:"entity_id"`
			UserID     string         `json:"user_id"`
			Details    map[string]any `json:"details"`
		} `json:"entries"`
		Total int `json:"total"`
	}
	if code := ts.do(t, http.MethodGet, "/api/v1/audit?user=user-admin", admin, nil, &page); code != http.StatusOK {
		t.Fatalf("audit status = %d", code)
	}
	if page.Total != 2 {
		t.Fatalf("total = %d, want 2: %+v", page.Total, page.Entries)
	}
	if e := page.Entries[0]; e.Action != "submit" || e.EntityID != sub.Task.ID || e.Details["name"] != fleet.TaskResync {
		t.Errorf("newest entry = %+v", e)
	}
	if e := page.Entries[1]; e.Action != "create" || e.EntityType != "device" || e.EntityID != "DP0001" {
		t.Errorf("oldest entry = %+v", e)
	}
}

func TestWriteDomainError(t *testing.T) {
	s := &Server{logger: logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error"}, "test")}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"device missing", fmt.Errorf("get: %w", fleet.ErrDeviceNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"duplicate group", fleet.ErrGroupExists, http.StatusConflict, ErrCodeConflict},
		{"bad serial", fleet.ErrInvalidSerial, http.StatusBadRequest, ErrCodeValidation},
		{"queue full", queue.ErrFull, http.StatusServiceUnavailable, ErrCodeQueueFull},
		{"pool stopped", task.ErrPoolStopped, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.writeDomainError(rec, tt.err, "request failed")

			var body Error
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if rec.Code != tt.wantStatus || body.Code != tt.wantCode {
				t.Errorf("got %d %q, want %d %q", rec.Code, body.Code, tt.wantStatus, tt.wantCode)
			}
			if retry := rec.Header().Get("Retry-After"); (tt.wantCode == ErrCodeQueueFull) != (retry != "") {
				t.Errorf("Retry-After = %q", retry)
			}
		})
	}
}

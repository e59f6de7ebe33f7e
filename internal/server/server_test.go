package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"asphare/internal/auth"
	"asphare/internal/db"
	"asphare/internal/engine"
	"asphare/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	Auth   *auth.Service
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil, 1)
	e.Now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }
	e.Cfg.Now = e.Now
	svc := auth.NewService(e.Repo, "test-secret")
	handler, err := New(Config{Engine: e, Auth: svc, BasePath: "/api"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Auth:   svc,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

// login runs the two-step flow and returns an Authorization header map.
func login(t *testing.T, s *testServer) map[string]string {
	t.Helper()
	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/auth/code",
		RequestCodeRequest{Username: "tester"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request code: status %d body %s", resp.StatusCode, data)
	}
	var code RequestCodeResponse
	if err := json.Unmarshal(data, &code); err != nil {
		t.Fatalf("decode code: %v", err)
	}
	resp, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/auth/verify",
		VerifyCodeRequest{Username: "tester", Code: code.Code}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify code: status %d body %s", resp.StatusCode, data)
	}
	var verified VerifyCodeResponse
	if err := json.Unmarshal(data, &verified); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + verified.Token}
}

func seed(t *testing.T, s *testServer) {
	t.Helper()
	if _, err := s.Engine.Setup(context.Background(), 30, 14); err != nil {
		t.Fatalf("setup: %v", err)
	}
}

func TestHealthOpen(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d body %s", resp.StatusCode, data)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	resp, _ := doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/users", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
	resp, _ = doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/users", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d, want 401", resp.StatusCode)
	}
}

// The polling consumer never logs in: pull, stats and the replay progress
// endpoints must work without a bearer token.
func TestConsumerEndpointsOpen(t *testing.T) {
	s := newTestServer(t)
	seed(t, s)

	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/events/pull",
		PullRequest{Platform: "slack", Limit: 5}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull: status %d body %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/stats", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: status %d body %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/replay/status", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status: status %d body %s", resp.StatusCode, data)
	}

	// Progress reports are open too; with no replay running this is the
	// state machine's conflict, not an auth failure.
	resp, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/replay/progress",
		ReportProgressRequest{EventsProcessed: 1}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replay progress: status %d body %s", resp.StatusCode, data)
	}

	// Starting a replay remains an operator action.
	resp, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/replay/start", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay start: status %d body %s, want 401", resp.StatusCode, data)
	}
}

func TestLoginFlow(t *testing.T) {
	s := newTestServer(t)
	seed(t, s)
	headers := login(t, s)

	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/stats", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: status %d body %s", resp.StatusCode, data)
	}
	var stats struct {
		UserCount   int `json:"user_count"`
		TotalEvents int `json:"total_events"`
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.UserCount != 30 || stats.TotalEvents == 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestVerifyRejectsWrongCode(t *testing.T) {
	s := newTestServer(t)
	resp, _ := doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/auth/verify",
		VerifyCodeRequest{Username: "tester", Code: "000000"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestUsersEndpoints(t *testing.T) {
	s := newTestServer(t)
	seed(t, s)
	headers := login(t, s)

	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/users", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d body %s", resp.StatusCode, data)
	}
	var list struct {
		Users []struct {
			ID              string `json:"id"`
			BehaviorPattern string `json:"behavior_pattern"`
		} `json:"users"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 30 || len(list.Users) != 30 {
		t.Fatalf("count = %d, users = %d", list.Count, len(list.Users))
	}

	resp, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/users/"+list.Users[0].ID, nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d body %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/users/user_999", nil, headers)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing user: status %d body %s", resp.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestPullEndpoint(t *testing.T) {
	s := newTestServer(t)
	seed(t, s)

	// Consumers pull without authenticating.
	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/events/pull",
		PullRequest{Platform: "slack", Limit: 5}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d body %s", resp.StatusCode, data)
	}
	var pull PullResponse
	if err := json.Unmarshal(data, &pull); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pull.Count != 5 || len(pull.Events) != 5 {
		t.Fatalf("count = %d, events = %d", pull.Count, len(pull.Events))
	}
	for _, ev := range pull.Events {
		if ev.Platform != "slack" {
			t.Fatalf("event %s platform %s", ev.EventID, ev.Platform)
		}
		if !ev.Consumed {
			t.Fatalf("event %s not flagged consumed", ev.EventID)
		}
		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
	}

	resp, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/events/pull",
		map[string]any{"platform": "discord"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad platform: status %d body %s", resp.StatusCode, data)
	}
}

func TestReplayEndpoints(t *testing.T) {
	s := newTestServer(t)
	headers := login(t, s)

	// Nothing to replay yet.
	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/replay/start", nil, headers)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("empty replay: status %d body %s", resp.StatusCode, data)
	}

	seed(t, s)
	resp, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/replay/start", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d body %s", resp.StatusCode, data)
	}
	var status ReplayStatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.InProgress || status.TotalEvents == 0 {
		t.Fatalf("status = %+v", status)
	}

	doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/events/pull",
		PullRequest{Platform: "jira", Limit: 10}, headers)

	// The pull alone does not move the counter.
	resp, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/replay/status", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d body %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.EventsProcessed != 0 {
		t.Fatalf("events_processed = %d before any report, want 0", status.EventsProcessed)
	}

	resp, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/replay/progress",
		ReportProgressRequest{EventsProcessed: 10}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("report: status %d body %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.EventsProcessed != 10 || !status.InProgress {
		t.Fatalf("status after report = %+v", status)
	}
}

func TestReportProgressWithoutReplay(t *testing.T) {
	s := newTestServer(t)
	seed(t, s)
	headers := login(t, s)

	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/replay/progress",
		ReportProgressRequest{EventsProcessed: 10}, headers)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d body %s, want 409", resp.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "no_replay_in_progress" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestSimulateAndScheduleEndpoints(t *testing.T) {
	s := newTestServer(t)
	seed(t, s)
	headers := login(t, s)

	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/events/simulate",
		SimulateRequest{Platform: "jira", Count: 3}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("simulate: status %d body %s", resp.StatusCode, data)
	}
	var sim SimulateResponse
	if err := json.Unmarshal(data, &sim); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sim.EventsCreated != 3 || len(sim.Events) != 3 {
		t.Fatalf("result = %+v", sim)
	}
	for _, ev := range sim.Events {
		if ev.Platform != "jira" || ev.Source != "manual" {
			t.Fatalf("event = %+v", ev)
		}
	}

	when := s.Engine.Now().Add(time.Hour).Format(time.RFC3339)
	resp, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/schedule",
		ScheduleRequest{
			ScheduleTime: when,
			Platform:     "slack",
			EventType:    "message.channel",
			Params:       json.RawMessage(`{"channel":"C123"}`),
		}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("schedule: status %d body %s", resp.StatusCode, data)
	}
	var scheduled struct {
		ParamsJSON string `json:"params_json"`
	}
	if err := json.Unmarshal(data, &scheduled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if scheduled.ParamsJSON != `{"channel":"C123"}` {
		t.Fatalf("params_json = %q", scheduled.ParamsJSON)
	}

	// Zone-less timestamps are accepted and read as UTC.
	resp, data = doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/schedule",
		ScheduleRequest{ScheduleTime: "2026-03-04T12:00:00", Platform: "teams", EventType: "message.chat"}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("zone-less schedule: status %d body %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/schedule", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d body %s", resp.StatusCode, data)
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 2 {
		t.Fatalf("count = %d", list.Count)
	}
}

func TestConfigEndpoints(t *testing.T) {
	s := newTestServer(t)
	headers := login(t, s)

	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/api/config", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d body %s", resp.StatusCode, data)
	}
	var cfg ConfigResponse
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.UserCount != 45 || cfg.HistoryDays != 180 || cfg.Mode != "daily" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if len(cfg.Platforms) != 3 {
		t.Fatalf("platforms = %v, want all three", cfg.Platforms)
	}

	days := 90
	resp, data = doJSON(t, s.Client(), http.MethodPut, s.URL+"/api/config",
		UpdateConfigRequest{HistoryDays: &days}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put: status %d body %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.HistoryDays != 90 {
		t.Fatalf("history_days = %d", cfg.HistoryDays)
	}

	resp, data = doJSON(t, s.Client(), http.MethodPut, s.URL+"/api/config",
		UpdateConfigRequest{Platforms: []string{"slack", "jira"}}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put platforms: status %d body %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cfg.Platforms) != 2 {
		t.Fatalf("platforms = %v", cfg.Platforms)
	}

	resp, data = doJSON(t, s.Client(), http.MethodPut, s.URL+"/api/config",
		UpdateConfigRequest{Platforms: []string{"discord"}}, headers)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad platform: status %d body %s", resp.StatusCode, data)
	}
}

func TestSetupEndpoint(t *testing.T) {
	s := newTestServer(t)
	headers := login(t, s)

	resp, data := doJSON(t, s.Client(), http.MethodPost, s.URL+"/api/setup",
		SetupRequest{UserCount: 30, HistoryDays: 14}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("setup: status %d body %s", resp.StatusCode, data)
	}
	var res SetupResponse
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Users != 30 || res.Events == 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestMetricsOpen(t *testing.T) {
	s := newTestServer(t)
	resp, data := doJSON(t, s.Client(), http.MethodGet, s.URL+"/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !bytes.Contains(data, []byte("go_")) && !bytes.Contains(data, []byte("asphare_")) {
		t.Fatal("unexpected metrics body")
	}
}

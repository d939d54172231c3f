package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"

	"launchdeck/internal/aggregate"
	"launchdeck/internal/config"
	"launchdeck/internal/db"
	"launchdeck/internal/domain"
	"launchdeck/internal/engine"
	"launchdeck/internal/migrate"
	"launchdeck/internal/queue"
)

const testWebhookSecret = "tracker-test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ws-1")
	cfg.Tracker.WebhookSecret = testWebhookSecret
	dispatcher := queue.New(conn, cfg.QueueSettings(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	e := engine.New(conn, dispatcher, cfg)
	if _, err := e.InitProject(context.Background(), "proj-1", "ws-1", "Demo", "demo.example"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, Aggregator: aggregate.New(e.Repo), BasePath: "/v0"})
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
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
}

func TestStoryLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-1/stories",
		map[string]any{"title": "[P1] fix the login redirect"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create story = %d: %s", resp.StatusCode, body)
	}
	var story domain.Story
	if err := json.Unmarshal(body, &story); err != nil {
		t.Fatalf("decode story: %v", err)
	}
	if story.PriorityLevel != domain.P1 {
		t.Fatalf("level = %s, want P1", story.PriorityLevel)
	}

	resp, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stories/"+story.ID+"/approve",
		map[string]any{"source": "dashboard"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve = %d: %s", resp.StatusCode, body)
	}

	// a second approve hits the lifecycle guard
	resp, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stories/"+story.ID+"/approve",
		map[string]any{"source": "dashboard"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second approve = %d: %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, body)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("error code = %s", envelope.Error.Code)
	}
	if envelope.Error.Details["current_status"] != "approved" {
		t.Fatalf("details = %v", envelope.Error.Details)
	}
}

func TestApproveRejectsBadOverride(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/proj-1/stories",
		map[string]any{"title": "Any story"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d: %s", resp.StatusCode, body)
	}
	var story domain.Story
	_ = json.Unmarshal(body, &story)

	resp, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/stories/"+story.ID+"/approve",
		map[string]any{"priority_override": "P9"}, nil)
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("bad override = %d", resp.StatusCode)
	}
}

func TestProjectState(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/proj-1/state", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state = %d: %s", resp.StatusCode, body)
	}
	var state domain.AggregatedProjectState
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.LaunchStage != domain.StageIdea || state.LaunchScore != 15 {
		t.Fatalf("fresh state = %+v", state)
	}

	resp, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/ghost/state", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown project = %d", resp.StatusCode)
	}
}

func trackerBody(t *testing.T, issueID, stateType string) []byte {
	t.Helper()
	payload := map[string]any{
		"action": "update",
		"type":   "Issue",
		"data": map[string]any{
			"id":    issueID,
			"state": map[string]any{"type": stateType, "name": stateType},
		},
		"updatedFrom": map[string]any{"stateId": "prev-state"},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func postRaw(t *testing.T, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestTrackerWebhookRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	s, err := srv.Engine.CreateStory(ctx, engine.StoryCreateOptions{
		ProjectID: "proj-1", Title: "Tracked", Source: domain.SourceWebhook, TrackerIssue: "ISS-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.Approve(ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard}); err != nil {
		t.Fatal(err)
	}

	body := trackerBody(t, "ISS-1", "started")
	resp, _ := postRaw(t, srv.Client(), srv.URL+"/webhooks/tracker", body,
		map[string]string{"X-Tracker-Signature": "deadbeef"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tampered signature = %d, want 401", resp.StatusCode)
	}

	// no signature header at all
	resp, _ = postRaw(t, srv.Client(), srv.URL+"/webhooks/tracker", body, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing signature = %d, want 401", resp.StatusCode)
	}

	// zero mutation on rejection
	got, err := srv.Engine.Repo.GetStory(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StoryApproved {
		t.Fatalf("story mutated by rejected webhook: %s", got.Status)
	}
}

func TestTrackerWebhookAppliesState(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	s, err := srv.Engine.CreateStory(ctx, engine.StoryCreateOptions{
		ProjectID: "proj-1", Title: "Tracked", Source: domain.SourceWebhook, TrackerIssue: "ISS-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.Approve(ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard}); err != nil {
		t.Fatal(err)
	}

	body := trackerBody(t, "ISS-1", "started")
	resp, respBody := postRaw(t, srv.Client(), srv.URL+"/webhooks/tracker", body,
		map[string]string{"X-Tracker-Signature": sign(testWebhookSecret, body)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid webhook = %d: %s", resp.StatusCode, respBody)
	}
	var tr trackerResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		t.Fatal(err)
	}
	if !tr.Processed || tr.Status != string(domain.StoryInProgress) {
		t.Fatalf("response = %+v", tr)
	}

	body = trackerBody(t, "ISS-1", "completed")
	_, _ = postRaw(t, srv.Client(), srv.URL+"/webhooks/tracker", body,
		map[string]string{"X-Tracker-Signature": sign(testWebhookSecret, body)})
	got, err := srv.Engine.Repo.GetStory(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StoryCompleted {
		t.Fatalf("story = %s, want completed", got.Status)
	}
}

func TestTrackerWebhookIgnoresOtherEvents(t *testing.T) {
	srv := newTestServer(t)
	payload := map[string]any{"action": "create", "type": "Comment"}
	body, _ := json.Marshal(payload)
	resp, respBody := postRaw(t, srv.Client(), srv.URL+"/webhooks/tracker", body,
		map[string]string{"X-Tracker-Signature": sign(testWebhookSecret, body)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ignored event = %d", resp.StatusCode)
	}
	var tr trackerResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Processed || tr.Reason != "ignored" {
		t.Fatalf("response = %+v", tr)
	}
}

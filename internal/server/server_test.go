package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"taskline/internal/db"
	"taskline/internal/directory"
	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/migrate"
	"taskline/internal/orchestrator"
)

type fakeProjects struct {
	registerErr error
}

func (f *fakeProjects) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	return domain.Project{ID: projectID, Status: "active"}, nil
}

func (f *fakeProjects) RegisterEpic(ctx context.Context, projectID, epicID string) error {
	return f.registerErr
}

func (f *fakeProjects) RegisterStory(ctx context.Context, projectID, storyID string) error {
	return f.registerErr
}

type fakeUsers struct {
	err error
}

func (f *fakeUsers) GetMember(ctx context.Context, memberID string) (domain.Member, error) {
	if f.err != nil {
		return domain.Member{}, f.err
	}
	return domain.Member{ID: memberID, Name: "Member " + memberID}, nil
}

type testServer struct {
	URL      string
	Projects *fakeProjects
	Users    *fakeUsers
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	projects := &fakeProjects{}
	users := &fakeUsers{}
	orc := orchestrator.New(conn, projects, users, nil)
	handler, err := New(Config{
		Orchestrator: orc,
		Outbox:       &events.Outbox{DB: conn},
		BasePath:     "/v0",
	})
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
		URL:      "http://" + ln.Addr().String(),
		Projects: projects,
		Users:    users,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
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
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestEpicLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/epics", map[string]any{
		"title":      "Launch",
		"project_id": "proj-1",
		"creator":    "tester",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create epic: %d %s", res.StatusCode, string(data))
	}
	var epic IssueResponse
	if err := json.Unmarshal(data, &epic); err != nil {
		t.Fatalf("unmarshal epic: %v", err)
	}
	if epic.Status != "TODO" || epic.Kind != "EPIC" {
		t.Fatalf("unexpected epic: %+v", epic)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stories", map[string]any{
		"title":      "First slice",
		"project_id": "proj-1",
		"creator":    "tester",
		"epic_id":    epic.ID,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create story: %d %s", res.StatusCode, string(data))
	}
	var story IssueResponse
	_ = json.Unmarshal(data, &story)

	// archiving with an open story is an invalid-state conflict
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/epics/"+epic.ID, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/stories/"+story.ID+"/status", map[string]any{
		"status": "COMPLETED",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete story: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/epics/"+epic.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("archive epic: %d %s", res.StatusCode, string(data))
	}
	var archived IssueResponse
	_ = json.Unmarshal(data, &archived)
	if archived.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s", archived.Status)
	}
}

func TestCrossKindLookupIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":      "chore",
		"project_id": "proj-1",
		"creator":    "tester",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task IssueResponse
	_ = json.Unmarshal(data, &task)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/epics/"+task.ID, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}
}

func TestRegistrationFailureMapsToPartialFailure(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.Projects.registerErr = directory.ErrUnavailable
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/epics", map[string]any{
		"title":      "Half landed",
		"project_id": "proj-1",
		"creator":    "tester",
	})
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "partial_failure" {
		t.Fatalf("expected partial_failure, got %s", code)
	}
	var envelope struct {
		Error struct {
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	issueID, _ := envelope.Error.Details["issue_id"].(string)
	if issueID == "" {
		t.Fatalf("details must name the created issue: %s", string(data))
	}
	// the epic still exists locally
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/epics/"+issueID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected local epic, got %d %s", res.StatusCode, string(data))
	}
}

func TestUnavailableUserServiceMapsToBadGateway(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/bugs", map[string]any{
		"title":      "flaky",
		"project_id": "proj-1",
		"creator":    "tester",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create bug: %d %s", res.StatusCode, string(data))
	}
	var bug IssueResponse
	_ = json.Unmarshal(data, &bug)

	srv.Users.err = fmt.Errorf("%w: connection refused", directory.ErrUnavailable)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bugs/"+bug.ID+"/assignees", map[string]any{
		"member_id": "u-1",
	})
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "upstream_unavailable" {
		t.Fatalf("expected upstream_unavailable, got %s", code)
	}
}

func TestIssueEventLog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title":      "traced",
		"project_id": "proj-1",
		"creator":    "tester",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", res.StatusCode, string(data))
	}
	var task IssueResponse
	_ = json.Unmarshal(data, &task)

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/tasks/"+task.ID+"/status", map[string]any{
		"status": "IN_PROGRESS",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set status: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/events", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("event log: %d %s", res.StatusCode, string(data))
	}
	var recs []EventRecordResponse
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	// CREATED calendar + STATUS_CHANGED lifecycle and calendar copy
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d: %s", len(recs), string(data))
	}
	for n, r := range recs {
		if r.Seq != int64(n+1) {
			t.Fatalf("sequence gap: %+v", recs)
		}
		if r.Delivered {
			t.Fatalf("nothing dispatched yet: %+v", r)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events/pending", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending: %d %s", res.StatusCode, string(data))
	}
	var pending map[string]int
	_ = json.Unmarshal(data, &pending)
	if pending["pending"] != 3 {
		t.Fatalf("expected 3 pending, got %d", pending["pending"])
	}
}

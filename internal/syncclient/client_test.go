package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/marcus/fieldsync/internal/models"
)

func testPayload() models.SubmissionPayload {
	return models.SubmissionPayload{
		AssignmentID: 42,
		DeviceID:     -1,
		Tasks: []models.SubmittedTask{{
			TaskSequence: 1, AssignmentTaskID: 7, Name: "Walkthrough",
			Fields: []models.SubmittedField{
				{FieldID: 1, FieldSequence: 1, InputType: models.InputTextBox, Response: "inspected"},
				{FieldID: 2, FieldSequence: 2, InputType: models.InputCheckBox, Response: "true"},
			},
		}},
	}
}

func TestSubmitWork(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok123"}))
	if err := c.SubmitWork(context.Background(), testPayload()); err != nil {
		t.Fatalf("SubmitWork: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/assignments/42/work" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	tasks, _ := body["tasks"].([]any)
	if body["assignmentId"] != float64(42) || len(tasks) != 1 {
		t.Errorf("body = %v", body)
	}
}

func TestServerErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		retryable bool
		sentinel  error
	}{
		{400, `{"error":{"code":"bad_request","message":"tasks required"}}`, false, nil},
		{401, `{"error":{"code":"unauthorized","message":"expired"}}`, false, ErrUnauthorized},
		{404, `{"error":{"code":"not_found","message":"no such assignment"}}`, false, ErrNotFound},
		{408, ``, true, nil},
		{429, `slow down`, true, nil},
		{500, `{"error":{"code":"internal","message":"boom"}}`, true, nil},
		{503, `<html>down</html>`, true, nil},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = io.WriteString(w, tt.body)
		}))
		err := New(srv.URL, nil).SubmitWork(context.Background(), testPayload())
		srv.Close()

		se, ok := AsServerError(err)
		if !ok {
			t.Errorf("%d: error %v is not a ServerError", tt.status, err)
			continue
		}
		if se.StatusCode != tt.status || se.Body != tt.body {
			t.Errorf("%d: got status %d body %q", tt.status, se.StatusCode, se.Body)
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%d: IsRetryable = %v, want %v", tt.status, IsRetryable(err), tt.retryable)
		}
		if IsNetwork(err) {
			t.Errorf("%d: server error reported as network error", tt.status)
		}
		if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
			t.Errorf("%d: errors.Is(%v) = false", tt.status, tt.sentinel)
		}
	}
}

func TestServerErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":"bad_request","message":"assignment id mismatch"}}`)
	}))
	defer srv.Close()
	err := New(srv.URL, nil).SubmitWork(context.Background(), testPayload())
	if err == nil || err.Error() != "HTTP 400 bad_request: assignment id mismatch" {
		t.Errorf("error = %v", err)
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New(url, nil).SubmitWork(context.Background(), testPayload())
	if !IsNetwork(err) || !IsRetryable(err) {
		t.Fatalf("closed server: got %v, want network error", err)
	}
}

func TestTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := New(srv.URL, nil).SubmitWork(ctx, testPayload())
	if !IsNetwork(err) {
		t.Fatalf("timeout: got %v, want network error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timeout error should wrap DeadlineExceeded: %v", err)
	}
}

type failingTokens struct{}

func (failingTokens) Token() (*oauth2.Token, error) { return nil, errors.New("refresh failed") }

func TestTokenFailureIsNetworkError(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	err := New(srv.URL, failingTokens{}).SubmitWork(context.Background(), testPayload())
	if !IsNetwork(err) {
		t.Fatalf("got %v, want network error", err)
	}
	if called {
		t.Error("request sent without a credential")
	}
}

func TestListAndGetAssignments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/assignments":
			if r.URL.Query().Get("workerId") != "9" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = io.WriteString(w, `[{"assignmentId":42,"name":"Pump","assignmentType":0,"status":0,"tasks":[]}]`)
		case "/assignments/42":
			_, _ = io.WriteString(w, `{"assignmentId":42,"name":"Pump","tasks":[{"assignmentTaskId":7,"taskSequence":1,"name":"Walk","fields":[{"fieldId":1,"fieldSequence":1,"inputType":1,"detail":"Notes","response":"prior"}]}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	ctx := context.Background()
	list, err := c.ListAssignments(ctx, 9)
	if err != nil || len(list) != 1 || list[0].ID != 42 {
		t.Fatalf("ListAssignments = %+v, %v", list, err)
	}
	a, err := c.GetAssignment(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if a.Tasks[0].Fields[0].Response != "prior" || a.Tasks[0].AssignmentTaskID != 7 {
		t.Errorf("GetAssignment = %+v", a)
	}
	if _, err := c.GetAssignment(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing assignment: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	status := "ok"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("health check should not send credentials")
		}
		_, _ = io.WriteString(w, `{"status":"`+status+`","version":"v1.4.0"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"}))
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if v, err := c.ServerVersion(context.Background()); err != nil || v != "v1.4.0" {
		t.Errorf("ServerVersion = %q, %v", v, err)
	}
	status = "degraded"
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Error("degraded status should fail the health check")
	}
}

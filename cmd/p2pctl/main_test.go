package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

func newAPIStub(t *testing.T, status int, response string) (*[]recordedRequest, string) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, recordedRequest{Method: r.Method, Path: r.URL.RequestURI(), Body: string(body)})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return &requests, srv.URL
}

func TestArgValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"usage", nil, "Usage:"},
		{"unknown", []string{"--api", "http://unused", "bogus"}, "Unknown command: bogus"},
		{"connect_without_address", []string{"--api", "http://unused", "connect"}, "exactly one host:port"},
		{"limits_half_set", []string{"--api", "http://unused", "limits", "--min", "3"}, "set together"},
		{"limits_inverted", []string{"--api", "http://unused", "limits", "--min", "9", "--max", "3"}, "must not exceed"},
		{"limits_not_numeric", []string{"--api", "http://unused", "limits", "--min", "x", "--max", "3"}, "--min must be an integer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tc.args, &stdout, &stderr); code != 1 {
				t.Fatalf("expected exit 1, got %d", code)
			}
			if !strings.Contains(stderr.String(), tc.want) {
				t.Fatalf("expected %q in stderr, got %q", tc.want, stderr.String())
			}
		})
	}
}

func TestStatusPrettyPrints(t *testing.T) {
	requests, url := newAPIStub(t, http.StatusOK, `{"nodeId":"0xabc","maxPeers":25}`)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--api", url, "status"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if got := (*requests)[0]; got.Method != http.MethodGet || got.Path != "/v1/net" {
		t.Fatalf("unexpected request %+v", got)
	}
	if !strings.Contains(stdout.String(), "\"nodeId\": \"0xabc\"") {
		t.Fatalf("expected indented output, got %q", stdout.String())
	}
}

func TestPeersFilter(t *testing.T) {
	requests, url := newAPIStub(t, http.StatusOK, `[]`)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--api", url, "peers", "--status", "active"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if got := (*requests)[0].Path; got != "/v1/peers?status=active" {
		t.Fatalf("unexpected path %s", got)
	}
}

func TestConnectSendsAddress(t *testing.T) {
	requests, url := newAPIStub(t, http.StatusNoContent, ``)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--api", url, "connect", "10.0.0.1:4130"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	var body map[string]string
	if err := json.Unmarshal([]byte((*requests)[0].Body), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["address"] != "10.0.0.1:4130" {
		t.Fatalf("unexpected body %v", body)
	}
	if !strings.Contains(stdout.String(), "connected to 10.0.0.1:4130") {
		t.Fatalf("unexpected stdout %q", stdout.String())
	}
}

func TestLimitsUpdateAndAPIError(t *testing.T) {
	requests, url := newAPIStub(t, http.StatusOK, `{"minPeers":3,"maxPeers":12}`)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--api", url, "limits", "--min", "3", "--max", "12"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	got := (*requests)[0]
	if got.Method != http.MethodPut || !strings.Contains(got.Body, `"maxPeers":12`) {
		t.Fatalf("unexpected request %+v", got)
	}

	_, failing := newAPIStub(t, http.StatusConflict, `{"error":"p2p: peer capacity exceeded"}`)
	stdout.Reset()
	stderr.Reset()
	if code := run([]string{"--api", failing, "connect", "10.0.0.2:4130"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "capacity exceeded (HTTP 409)") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

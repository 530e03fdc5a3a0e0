package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/js-dojo/internal/auth"
	"github.com/sakif/js-dojo/internal/config"
	"github.com/sakif/js-dojo/internal/executor/inproc"
	"github.com/sakif/js-dojo/internal/handler"
	"github.com/sakif/js-dojo/internal/model"
	"github.com/sakif/js-dojo/internal/sandbox"
	"github.com/sakif/js-dojo/internal/server"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Log:      config.LogConfig{Level: "error", Format: "text"},
		Sandbox:  config.SandboxConfig{Timeout: 2 * time.Second, Locale: "en", MaxCallStackSize: 1024},
		Executor: config.ExecutorConfig{Backend: config.BackendInproc},
		Journal: config.JournalConfig{
			Enabled:       true,
			Path:          ":memory:",
			Retention:     time.Hour,
			PruneSchedule: "@hourly",
			QueueSize:     16,
		},
	}
}

type running struct {
	base string
	stop func()
}

// start serves cfg on a loopback port until the test ends.
func start(t *testing.T, cfg *config.Config) running {
	t.Helper()

	h, err := sandbox.New(sandbox.DefaultConfig())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := server.New(cfg, inproc.NewSpawner(h), logger)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	}
	t.Cleanup(stop)

	return running{base: "http://" + ln.Addr().String(), stop: stop}
}

// newVisitor is a browser-like client that keeps the dojo_client cookie.
func newVisitor(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

// defaultVisitor is the one visitor of tests that do not care who calls.
var defaultVisitor = func() *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{Jar: jar}
}()

func do(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	return doAs(t, defaultVisitor, method, url, token, body)
}

func doAs(t *testing.T, client *http.Client, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestServer_RunAndJournal(t *testing.T) {
	s := start(t, testConfig())

	resp, body := do(t, http.MethodPost, s.base+"/api/slots/lesson-1/run", "", handler.RunRequest{Code: `console.log("hi")`})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var run handler.RunResponse
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, "hi\n", run.Output)

	resp, body = do(t, http.MethodPost, s.base+"/api/slots/lesson-1/run", "", handler.RunRequest{Code: `fetch("/x")`})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var errResp handler.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "validation_rejected", errResp.Error)
	assert.Equal(t, "fetch", errResp.Field)

	// The journal writes asynchronously.
	var runs handler.ListResponse
	require.Eventually(t, func() bool {
		resp, body := do(t, http.MethodGet, s.base+"/api/runs?slot=lesson-1", "", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		runs = handler.ListResponse{}
		return json.Unmarshal(body, &runs) == nil && len(runs.Runs) == 2
	}, 5*time.Second, 20*time.Millisecond)

	statuses := []string{runs.Runs[0].Status, runs.Runs[1].Status}
	assert.ElementsMatch(t, []string{model.StatusOK, "validation_rejected"}, statuses)

	resp, body = do(t, http.MethodGet, s.base+"/api/runs/"+runs.Runs[0].ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var one model.Run
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Equal(t, runs.Runs[0].ID, one.ID)
	assert.True(t, strings.HasPrefix(one.Subject, "anonymous-"), one.Subject)
}

func TestServer_AnonymousVisitorsAreIsolated(t *testing.T) {
	s := start(t, testConfig())
	alice, bob := newVisitor(t), newVisitor(t)
	// Any /api request hands out the client cookie.
	resp, _ := doAs(t, alice, http.MethodGet, s.base+"/api/runs", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	type result struct {
		status int
		body   string
	}
	spinning := make(chan result, 1)
	go func() {
		resp, err := alice.Post(s.base+"/api/slots/main/run", "application/json",
			strings.NewReader(`{"code":"while (true) {}"}`))
		if err != nil {
			spinning <- result{}
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		spinning <- result{resp.StatusCode, string(b)}
	}()
	time.Sleep(200 * time.Millisecond)

	// Bob's run in the same slot name does not supersede Alice's.
	resp, body := doAs(t, bob, http.MethodPost, s.base+"/api/slots/main/run", "", handler.RunRequest{Code: "return 1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	select {
	case r := <-spinning:
		t.Fatalf("another visitor's run ended alice's run: %d %s", r.status, r.body)
	default:
	}

	// Nor can Bob cancel it.
	_, body = doAs(t, bob, http.MethodDelete, s.base+"/api/slots/main", "", nil)
	assert.JSONEq(t, `{"cancelled":false}`, string(body))

	_, body = doAs(t, alice, http.MethodDelete, s.base+"/api/slots/main", "", nil)
	assert.JSONEq(t, `{"cancelled":true}`, string(body))
	select {
	case r := <-spinning:
		assert.Equal(t, http.StatusConflict, r.status)
	case <-time.After(5 * time.Second):
		t.Fatal("alice's run was not cancelled")
	}

	// Each visitor only sees its own journal. Cancelled runs are not
	// recorded, so alice's one entry is this run.
	resp, body = doAs(t, alice, http.MethodPost, s.base+"/api/slots/main/run", "", handler.RunRequest{Code: "return 2"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// journal does not fail the test itself; Eventually polls it from
	// another goroutine.
	journal := func(visitor *http.Client) []model.Run {
		resp, err := visitor.Get(s.base + "/api/runs")
		if err != nil {
			return nil
		}
		defer resp.Body.Close()
		var list handler.ListResponse
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&list) != nil {
			return nil
		}
		return list.Runs
	}
	require.Eventually(t, func() bool {
		return len(journal(alice)) == 1 && len(journal(bob)) == 1
	}, 5*time.Second, 20*time.Millisecond)
	aliceRuns, bobRuns := journal(alice), journal(bob)
	require.Len(t, aliceRuns, 1)
	require.Len(t, bobRuns, 1)
	assert.Equal(t, "2", aliceRuns[0].Output)
	assert.Equal(t, "1", bobRuns[0].Output)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s := start(t, testConfig())

	resp, body := do(t, http.MethodGet, s.base+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	do(t, http.MethodPost, s.base+"/api/slots/a/run", "", handler.RunRequest{Code: `return 1`})

	// The request metric is recorded after the response is flushed.
	assert.Eventually(t, func() bool {
		resp, body := do(t, http.MethodGet, s.base+"/metrics", "", nil)
		text := string(body)
		return resp.StatusCode == http.StatusOK &&
			strings.Contains(text, `dojo_runs_settled_total{kind="ok"} 1`) &&
			strings.Contains(text, `dojo_http_requests_total{method="POST",route="/api/slots/{slot}/run",status="200"} 1`)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_Auth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = testSecret
	s := start(t, cfg)

	tokens, err := auth.NewTokenService(testSecret)
	require.NoError(t, err)
	alice, err := tokens.Generate("alice")
	require.NoError(t, err)

	resp, _ := do(t, http.MethodPost, s.base+"/api/slots/a/run", "", handler.RunRequest{Code: `return 1`})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := do(t, http.MethodPost, s.base+"/api/slots/a/run", alice, handler.RunRequest{Code: `return 1`})
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = do(t, http.MethodGet, s.base+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays public")
}

func TestServer_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RPS = 0.001
	cfg.RateLimit.Burst = 1
	s := start(t, cfg)

	resp, _ := do(t, http.MethodPost, s.base+"/api/slots/a/run", "", handler.RunRequest{Code: `return 1`})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, s.base+"/api/slots/a/run", "", handler.RunRequest{Code: `return 1`})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, s.base+"/api/runs", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads are not limited")
}

func TestServer_JournalDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Journal.Enabled = false
	s := start(t, cfg)

	resp, _ := do(t, http.MethodPost, s.base+"/api/slots/a/run", "", handler.RunRequest{Code: `return 1`})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodGet, s.base+"/api/runs", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "journal is disabled")
}

func TestServer_ShutdownCancelsPendingRuns(t *testing.T) {
	s := start(t, testConfig())

	type result struct {
		status int
		body   string
	}
	got := make(chan result, 1)
	go func() {
		resp, err := http.Post(s.base+"/api/slots/spin/run", "application/json",
			strings.NewReader(`{"code":"while (true) {}"}`))
		if err != nil {
			got <- result{}
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		got <- result{resp.StatusCode, string(b)}
	}()

	// Give the run time to reach the worker.
	time.Sleep(200 * time.Millisecond)
	s.stop()

	select {
	case r := <-got:
		assert.Equal(t, http.StatusConflict, r.status)
		assert.Contains(t, r.body, `"cancelled"`)
	case <-time.After(5 * time.Second):
		t.Fatal("pending run was not settled by shutdown")
	}
}

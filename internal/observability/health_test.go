package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeChecker struct {
	err error
}

func (f fakeChecker) HealthCheck(context.Context) error { return f.err }

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleReady_definitionsOnly(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{DefinitionsLoaded: func() bool { return true }})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 1 {
		t.Errorf("checks = %v, want only definitions", resp.Checks)
	}
}

func TestHandleReady_definitionsNotLoaded(t *testing.T) {
	for name, loaded := range map[string]func() bool{
		"false": func() bool { return false },
		"nil":   nil,
	} {
		t.Run(name, func(t *testing.T) {
			code, resp := serveReady(t, ReadinessChecks{DefinitionsLoaded: loaded})
			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			if resp.Checks["definitions"].Error == "" {
				t.Error("definitions check should carry an error message")
			}
		})
	}
}

func TestHandleReady_storesHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		EntityStore:       fakeChecker{},
		OTPStore:          fakeChecker{},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	for _, name := range []string{"definitions", "entity_store", "otp_store"} {
		if resp.Checks[name].Status != "ok" {
			t.Errorf("%s = %q, want ok", name, resp.Checks[name].Status)
		}
	}
}

func TestHandleReady_storeDown(t *testing.T) {
	tests := []struct {
		name   string
		checks ReadinessChecks
		failed string
	}{
		{
			name: "entity store",
			checks: ReadinessChecks{
				EntityStore: fakeChecker{err: errors.New("connection refused")},
				OTPStore:    fakeChecker{},
			},
			failed: "entity_store",
		},
		{
			name: "otp store",
			checks: ReadinessChecks{
				EntityStore: fakeChecker{},
				OTPStore:    fakeChecker{err: errors.New("dial tcp: i/o timeout")},
			},
			failed: "otp_store",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.checks.DefinitionsLoaded = func() bool { return true }
			code, resp := serveReady(t, tt.checks)

			if code != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503", code)
			}
			if resp.Status != "not_ready" {
				t.Errorf("status = %q, want not_ready", resp.Status)
			}
			if resp.Checks[tt.failed].Status != "error" || resp.Checks[tt.failed].Error == "" {
				t.Errorf("%s = %+v, want error", tt.failed, resp.Checks[tt.failed])
			}
		})
	}
}

func TestHandleReady_checkTimesOut(t *testing.T) {
	slow := HealthCheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx)
	HandleReady(ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
		EntityStore:       slow,
	}).ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/szibis/logship/internal/facade"
	"github.com/szibis/logship/internal/logging"
	"github.com/szibis/logship/internal/message"
	"github.com/szibis/logship/internal/stats"
	"github.com/szibis/logship/internal/writer"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type stubFacade struct {
	ensureErr error
}

func (s *stubFacade) EnsureDestinationAvailable(ctx context.Context) error { return s.ensureErr }

func (s *stubFacade) EffectiveSize(msg *message.Message) int { return len(msg.Body) }

func (s *stubFacade) WithinServiceLimits(batchBytes, batchCount int) bool { return true }

func (s *stubFacade) Send(ctx context.Context, batch []*message.Message) ([]*message.Message, error) {
	return nil, nil
}

func (s *stubFacade) Shutdown() error { return nil }

func (s *stubFacade) Description() string { return "stub" }

func startedWriter(t *testing.T, name string, fac facade.Facade) *writer.Writer {
	t.Helper()
	w := writer.New(writer.Config{Name: name}, fac)
	w.Start()
	w.WaitUntilInitialized(time.Second)
	t.Cleanup(func() {
		w.Stop()
		w.WaitUntilStopped(2 * time.Second)
	})
	return w
}

func responseFrom(t *testing.T, handler func(w *httptest.ResponseRecorder)) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec)
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec.Code, resp
}

func TestReadyWhenAllWritersRunning(t *testing.T) {
	c := New()
	c.RegisterWriter(startedWriter(t, "app", &stubFacade{}))

	code, resp := responseFrom(t, func(rec *httptest.ResponseRecorder) {
		c.ReadyHandler()(rec, httptest.NewRequest("GET", "/ready", nil))
	})
	if code != 200 {
		t.Fatalf("status: got %d, want 200", code)
	}
	if resp.Components["app"].Status != StatusUp {
		t.Errorf("component app: %+v", resp.Components["app"])
	}
}

func TestNotReadyWhileWriterUnstarted(t *testing.T) {
	c := New()
	w := writer.New(writer.Config{Name: "cold"}, &stubFacade{})
	c.RegisterWriter(w)

	code, resp := responseFrom(t, func(rec *httptest.ResponseRecorder) {
		c.ReadyHandler()(rec, httptest.NewRequest("GET", "/ready", nil))
	})
	if code != 503 {
		t.Fatalf("status: got %d, want 503", code)
	}
	if resp.Components["cold"].Status != StatusDown {
		t.Errorf("component cold: %+v", resp.Components["cold"])
	}
}

func TestNotReadyAfterFailedInitialization(t *testing.T) {
	c := New()
	w := writer.New(writer.Config{Name: "broken"}, &stubFacade{
		ensureErr: &facade.Error{Kind: facade.KindInvalidConfiguration, Err: errors.New("bad stream name")},
	})
	w.Start()
	w.WaitUntilInitialized(time.Second)
	w.WaitUntilStopped(time.Second)
	c.RegisterWriter(w)

	code, resp := responseFrom(t, func(rec *httptest.ResponseRecorder) {
		c.ReadyHandler()(rec, httptest.NewRequest("GET", "/ready", nil))
	})
	if code != 503 {
		t.Fatalf("status: got %d, want 503", code)
	}
	if got := resp.Components["broken"].Message; got == "" {
		t.Error("failed writer should carry a message")
	}
}

func TestShutdownFlipsBothProbes(t *testing.T) {
	c := New()
	c.RegisterWriter(startedWriter(t, "app2", &stubFacade{}))
	c.SetShuttingDown()

	for path, handler := range map[string]http.HandlerFunc{
		"/live":  c.LiveHandler(),
		"/ready": c.ReadyHandler(),
	} {
		code, resp := responseFrom(t, func(rec *httptest.ResponseRecorder) {
			handler(rec, httptest.NewRequest("GET", path, nil))
		})
		if code != 503 {
			t.Errorf("%s status: got %d, want 503", path, code)
		}
		if resp.Status != StatusDown {
			t.Errorf("%s status field: got %q", path, resp.Status)
		}
	}
}

func TestStatsHandlerReportsAllWriters(t *testing.T) {
	c := New()
	w := startedWriter(t, "stats-writer", &stubFacade{})
	c.RegisterWriter(w)

	rec := httptest.NewRecorder()
	c.StatsHandler()(rec, httptest.NewRequest("GET", "/stats", nil))
	if rec.Code != 200 {
		t.Fatalf("status: got %d", rec.Code)
	}
	var snapshots map[string]stats.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshots); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := snapshots["stats-writer"]; !ok {
		t.Errorf("snapshot missing writer, got %v", snapshots)
	}
}

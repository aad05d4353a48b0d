package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	cfg.Server.Port = 0
	cfg.Workers.Count = 2
	cfg.Targets = []config.TargetConfig{{Name: "general", Kind: "local"}}
	return cfg
}

func startSwitchboard(t *testing.T, opts ...Option) *Switchboard {
	t.Helper()
	sb, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := sb.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sb.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return sb
}

func waitForState(t *testing.T, sb *Switchboard, id string, want domain.LifecycleState) *domain.IngressRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := sb.Request(context.Background(), id)
		if err == nil && rec.State == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never reached %s", id, want)
	return nil
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(WithMemoryStore()); err == nil {
		t.Error("New() without a config source should fail")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routing.CatchAllTarget = ""
	if _, err := New(WithConfig(cfg)); err == nil {
		t.Error("New() with an invalid config should fail")
	}
}

func TestSwitchboard_FallbackToCatchAll(t *testing.T) {
	var seen []string
	handler := func(ctx context.Context, req *domain.DispatchRequest) (json.RawMessage, error) {
		seen = append(seen, req.Input)
		return json.RawMessage(`{"reply":"on it"}`), nil
	}
	sb := startSwitchboard(t,
		WithConfig(testConfig(t)),
		WithMemoryStore(),
		WithLocalHandler("general", handler),
	)

	if !sb.Registry().IsEligible("general") {
		t.Fatal("configured local target should be eligible after start")
	}

	body := `{"channel":"api","endpoint_identity":"svc","sender_identity":"alice","text":"remind me to water the plants"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/ingress", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	sb.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/ingress status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var accepted struct {
		Context struct {
			RequestID string `json:"request_id"`
		} `json:"request_context"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &accepted); err != nil {
		t.Fatal(err)
	}
	if accepted.Context.RequestID == "" {
		t.Fatal("response is missing request_context.request_id")
	}

	rec := waitForState(t, sb, accepted.Context.RequestID, domain.StateParsed)
	if !rec.Fallback {
		t.Error("with no collaborator every request should take the catch-all path")
	}
	if len(rec.Results) != 1 || rec.Results[0].Target != "general" {
		t.Fatalf("results = %+v, want one segment on general", rec.Results)
	}
	if rec.Results[0].Status != domain.SegmentOK {
		t.Errorf("segment status = %s, want ok", rec.Results[0].Status)
	}
	if len(seen) != 1 || seen[0] != "remind me to water the plants" {
		t.Errorf("handler inputs = %v", seen)
	}
}

func TestSwitchboard_DirectAcceptDedups(t *testing.T) {
	sb := startSwitchboard(t,
		WithConfig(testConfig(t)),
		WithMemoryStore(),
		WithLocalHandler("general", func(context.Context, *domain.DispatchRequest) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}),
	)

	ev := &domain.InboundEvent{
		Channel:          domain.ChannelTelegram,
		EndpointIdentity: "bot",
		SenderIdentity:   "42",
		Text:             "hello",
		TransportIDs:     map[string]string{domain.TransportUpdateID: "9001"},
	}
	first, err := sb.Accept(context.Background(), ev)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	second, err := sb.Accept(context.Background(), ev)
	if err != nil {
		t.Fatalf("Accept() duplicate error = %v", err)
	}
	if second.Context.RequestID != first.Context.RequestID {
		t.Errorf("duplicate got request id %s, want %s", second.Context.RequestID, first.Context.RequestID)
	}
	waitForState(t, sb, first.Context.RequestID, domain.StateParsed)
}

func TestSwitchboard_StartTwice(t *testing.T) {
	sb := startSwitchboard(t, WithConfig(testConfig(t)), WithMemoryStore())
	if err := sb.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

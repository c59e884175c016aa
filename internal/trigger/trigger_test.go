package trigger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTrigger_PostsPayload(t *testing.T) {
	var gotPath string
	var gotBody triggerRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr, err := NewHTTPTrigger(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPTrigger() err=%v", err)
	}
	if err := tr.TriggerPipeline(context.Background(), "cleanup_dag", "captured logs"); err != nil {
		t.Fatalf("TriggerPipeline() err=%v", err)
	}
	if gotPath != "/api/pipelines/cleanup_dag/trigger" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotBody.Payload != "captured logs" {
		t.Fatalf("payload=%q", gotBody.Payload)
	}
}

func TestHTTPTrigger_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such pipeline", http.StatusNotFound)
	}))
	defer srv.Close()

	tr, err := NewHTTPTrigger(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPTrigger() err=%v", err)
	}
	if err := tr.TriggerPipeline(context.Background(), "missing", "logs"); err == nil {
		t.Fatalf("expected error for 404")
	}
}

func TestHTTPTrigger_RequiresPipelineID(t *testing.T) {
	tr, err := NewHTTPTrigger(Config{BaseURL: "http://scheduler.local"})
	if err != nil {
		t.Fatalf("NewHTTPTrigger() err=%v", err)
	}
	if err := tr.TriggerPipeline(context.Background(), " ", "logs"); err == nil {
		t.Fatalf("expected error for empty pipeline id")
	}
}

func TestNewHTTPTrigger_RequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPTrigger(Config{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}

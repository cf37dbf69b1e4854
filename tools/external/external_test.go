package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func capabilityServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Capability-Secret") != "s3cret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode([]descriptor{{
			Name:        "lookup_order",
			Description: "Look up an order by id",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"order_id":{"type":"string"}},"required":["order_id"]}`),
		}})
	})
	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		json.NewDecoder(r.Body).Decode(&req)
		switch req.Name {
		case "lookup_order":
			json.NewEncoder(w).Encode(executeResponse{Success: true, Data: json.RawMessage(`"Order 42: shipped"`)})
		default:
			json.NewEncoder(w).Encode(executeResponse{Success: false, Error: "no such function"})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDefinitionsFromServer(t *testing.T) {
	srv := capabilityServer(t)
	tool := New("crm", srv.URL, WithSecret("s3cret"))

	defs := tool.Definitions()
	if len(defs) != 1 {
		t.Fatalf("got %d definitions", len(defs))
	}
	if defs[0].Name != "lookup_order" {
		t.Errorf("name = %q", defs[0].Name)
	}
	if tool.Namespace() != "crm" {
		t.Errorf("namespace = %q", tool.Namespace())
	}
}

func TestDefinitionsCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode([]descriptor{{Name: "fn"}})
	}))
	defer srv.Close()

	tool := New("x", srv.URL, WithRefreshInterval(time.Hour))
	tool.Definitions()
	tool.Definitions()
	if calls != 1 {
		t.Errorf("descriptor fetches = %d, want 1", calls)
	}
}

func TestDefinitionsUnreachableServer(t *testing.T) {
	tool := New("x", "http://127.0.0.1:1")
	if defs := tool.Definitions(); defs != nil {
		t.Errorf("want no definitions, got %v", defs)
	}
}

func TestExecuteSuccess(t *testing.T) {
	srv := capabilityServer(t)
	tool := New("crm", srv.URL, WithSecret("s3cret"))

	res, err := tool.Execute(context.Background(), "lookup_order", json.RawMessage(`{"order_id":"42"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("error result: %s", res.Error)
	}
	if res.Content != "Order 42: shipped" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestExecuteServerReportedFailure(t *testing.T) {
	srv := capabilityServer(t)
	tool := New("crm", srv.URL, WithSecret("s3cret"))

	res, err := tool.Execute(context.Background(), "nope", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error != "no such function" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteUnreachable(t *testing.T) {
	tool := New("crm", "http://127.0.0.1:1")
	res, err := tool.Execute(context.Background(), "fn", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error == "" {
		t.Error("want error result for unreachable server")
	}
}

func TestRawToString(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"string unwraps", `"hello"`, "hello"},
		{"object stays json", `{"a":1}`, `{"a":1}`},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rawToString(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("rawToString = %q, want %q", got, tt.want)
			}
		})
	}
}

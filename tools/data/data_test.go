package data

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name, content, want string
	}{
		{"csv", "a,b\n1,2", "csv"},
		{"json array", `[{"a":1}]`, "json"},
		{"json object", `{"a":1}`, "json"},
		{"jsonl", "{\"a\":1}\n{\"a\":2}", "jsonl"},
		{"empty", "", "csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectFormat(tt.content); got != tt.want {
				t.Errorf("detectFormat = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseCSV(t *testing.T) {
	tool := New()
	args := json.RawMessage(`{"content":"name,age\nalice,30\nbob,25"}`)
	res, err := tool.Execute(context.Background(), "parse", args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("error: %s", res.Error)
	}

	var out struct {
		Records []map[string]any `json:"records"`
		Columns []string         `json:"columns"`
		Count   int              `json:"count"`
	}
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.Count != 2 || len(out.Records) != 2 {
		t.Errorf("count = %d, records = %d", out.Count, len(out.Records))
	}
	if out.Records[0]["name"] != "alice" {
		t.Errorf("records = %+v", out.Records)
	}
	if len(out.Columns) != 2 {
		t.Errorf("columns = %v", out.Columns)
	}
}

func TestParseJSONLimitKeepsTotal(t *testing.T) {
	tool := New()
	args := json.RawMessage(`{"content":"[{\"x\":1},{\"x\":2},{\"x\":3}]","limit":2}`)
	res, _ := tool.Execute(context.Background(), "parse", args)
	if res.Error != "" {
		t.Fatalf("error: %s", res.Error)
	}
	var out struct {
		Records []map[string]any `json:"records"`
		Count   int              `json:"count"`
	}
	json.Unmarshal([]byte(res.Content), &out)
	if len(out.Records) != 2 || out.Count != 3 {
		t.Errorf("records = %d, count = %d", len(out.Records), out.Count)
	}
}

func TestParseJSONLSkipsMalformed(t *testing.T) {
	tool := New()
	args := json.RawMessage(`{"content":"{\"x\":1}\nnot json\n{\"x\":2}","format":"jsonl"}`)
	res, _ := tool.Execute(context.Background(), "parse", args)
	if res.Error != "" {
		t.Fatalf("error: %s", res.Error)
	}
	var out struct {
		Records []map[string]any `json:"records"`
	}
	json.Unmarshal([]byte(res.Content), &out)
	if len(out.Records) != 2 {
		t.Errorf("records = %+v", out.Records)
	}
}

func TestExportCSV(t *testing.T) {
	tool := New()
	args := json.RawMessage(`{"records":[{"name":"alice","age":30},{"name":"bob","age":25}],"format":"csv"}`)
	res, err := tool.Execute(context.Background(), "export", args)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("error: %s", res.Error)
	}
	lines := strings.Split(strings.TrimSpace(res.Content), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %v", lines)
	}
	if lines[0] != "age,name" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "30,alice" {
		t.Errorf("row = %q", lines[1])
	}
}

func TestExportJSON(t *testing.T) {
	tool := New()
	args := json.RawMessage(`{"records":[{"k":"v"}],"format":"json"}`)
	res, _ := tool.Execute(context.Background(), "export", args)
	if res.Error != "" {
		t.Fatalf("error: %s", res.Error)
	}
	var back []map[string]any
	if err := json.Unmarshal([]byte(res.Content), &back); err != nil {
		t.Fatalf("export not valid JSON: %v", err)
	}
	if back[0]["k"] != "v" {
		t.Errorf("back = %+v", back)
	}
}

func TestExportRequiresRecords(t *testing.T) {
	tool := New()
	res, _ := tool.Execute(context.Background(), "export", json.RawMessage(`{"records":[]}`))
	if res.Error == "" {
		t.Error("want error for empty records")
	}
}

func TestUnknownFunction(t *testing.T) {
	tool := New()
	res, _ := tool.Execute(context.Background(), "aggregate", json.RawMessage(`{}`))
	if res.Error == "" {
		t.Error("want error for unknown function")
	}
}

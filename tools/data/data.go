// Package data provides structured data tools: parsing tabular content
// the user pastes into a conversation, and exporting records back out
// as CSV or JSON the user can download.
package data

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/porticoai/portico"
)

const defaultLimit = 100

// Tool implements the "data" namespace: parse and export.
type Tool struct{}

// New creates the data tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Namespace() string { return "data" }

func (t *Tool) Definitions() []portico.ToolDefinition {
	return []portico.ToolDefinition{
		{
			Name: "parse",
			Description: "Parse CSV, JSON, or JSONL content into structured records. " +
				"Returns records, column names, and total count. Use before answering questions about tabular data.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {"type": "string", "description": "Raw data content"},
					"format": {"type": "string", "enum": ["csv", "json", "jsonl"], "description": "Input format; auto-detected when omitted"},
					"limit": {"type": "integer", "description": "Max records to return (default 100)"}
				},
				"required": ["content"]
			}`),
		},
		{
			Name: "export",
			Description: "Serialize an array of records as CSV or JSON for the user. " +
				"Use when the user asks for data in a downloadable or copy-pasteable form.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"records": {"type": "array", "items": {"type": "object"}, "description": "Records to export"},
					"format": {"type": "string", "enum": ["csv", "json"], "description": "Output format (default csv)"}
				},
				"required": ["records"]
			}`),
		},
	}
}

func (t *Tool) Execute(_ context.Context, name string, args json.RawMessage) (portico.ToolResult, error) {
	switch name {
	case "parse":
		return dataParse(args)
	case "export":
		return dataExport(args)
	default:
		return portico.ToolResult{Error: "unknown function: " + name}, nil
	}
}

// --- parse ---

type parseArgs struct {
	Content string `json:"content"`
	Format  string `json:"format"`
	Limit   int    `json:"limit"`
}

func dataParse(args json.RawMessage) (portico.ToolResult, error) {
	var p parseArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return portico.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if p.Content == "" {
		return portico.ToolResult{Error: "content is required"}, nil
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}

	format := p.Format
	if format == "" {
		format = detectFormat(p.Content)
	}

	var records []map[string]any
	var columns []string
	var totalCount int
	var err error

	switch format {
	case "csv":
		records, columns, totalCount, err = parseCSV(p.Content, p.Limit)
	case "json":
		records, columns, totalCount, err = parseJSON(p.Content, p.Limit)
	case "jsonl":
		records, columns, totalCount, err = parseJSONL(p.Content, p.Limit)
	default:
		return portico.ToolResult{Error: "unknown format: " + format + " (use csv, json, or jsonl)"}, nil
	}
	if err != nil {
		return portico.ToolResult{Error: err.Error()}, nil
	}

	out, err := json.Marshal(map[string]any{
		"records": records,
		"columns": columns,
		"count":   totalCount,
	})
	if err != nil {
		return portico.ToolResult{Error: "marshal error: " + err.Error()}, nil
	}
	return portico.ToolResult{Content: string(out)}, nil
}

func detectFormat(content string) string {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) == 0 {
		return "csv"
	}
	if trimmed[0] == '[' || trimmed[0] == '{' {
		// Multiple lines each starting with { is JSONL.
		if trimmed[0] == '{' && strings.Contains(trimmed, "\n") {
			lines := strings.Split(trimmed, "\n")
			if len(lines) > 1 {
				second := strings.TrimSpace(lines[1])
				if len(second) > 0 && second[0] == '{' {
					return "jsonl"
				}
			}
		}
		return "json"
	}
	return "csv"
}

func parseCSV(content string, limit int) ([]map[string]any, []string, int, error) {
	reader := csv.NewReader(strings.NewReader(content))
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	allRows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("csv parse error: %w", err)
	}
	if len(allRows) < 1 {
		return nil, nil, 0, nil
	}

	headers := allRows[0]
	totalCount := len(allRows) - 1
	records := make([]map[string]any, 0, min(totalCount, limit))

	for i := 1; i < len(allRows) && len(records) < limit; i++ {
		row := allRows[i]
		rec := make(map[string]any, len(headers))
		for j, h := range headers {
			if j < len(row) {
				rec[h] = row[j]
			} else {
				rec[h] = ""
			}
		}
		records = append(records, rec)
	}
	return records, headers, totalCount, nil
}

func parseJSON(content string, limit int) ([]map[string]any, []string, int, error) {
	trimmed := strings.TrimSpace(content)

	var rawRecords []map[string]any
	if trimmed[0] == '[' {
		if err := json.Unmarshal([]byte(trimmed), &rawRecords); err != nil {
			return nil, nil, 0, fmt.Errorf("json parse error: %w", err)
		}
	} else {
		var single map[string]any
		if err := json.Unmarshal([]byte(trimmed), &single); err != nil {
			return nil, nil, 0, fmt.Errorf("json parse error: %w", err)
		}
		rawRecords = []map[string]any{single}
	}

	totalCount := len(rawRecords)
	if len(rawRecords) > limit {
		rawRecords = rawRecords[:limit]
	}
	return rawRecords, extractColumns(rawRecords), totalCount, nil
}

func parseJSONL(content string, limit int) ([]map[string]any, []string, int, error) {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	records := make([]map[string]any, 0, min(len(lines), limit))
	totalCount := 0

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		totalCount++
		if len(records) >= limit {
			continue // keep counting total without parsing
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue // skip malformed lines
		}
		records = append(records, rec)
	}
	return records, extractColumns(records), totalCount, nil
}

func extractColumns(records []map[string]any) []string {
	seen := make(map[string]bool)
	var columns []string
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	return columns
}

// --- export ---

type exportArgs struct {
	Records []map[string]any `json:"records"`
	Format  string           `json:"format"`
}

func dataExport(args json.RawMessage) (portico.ToolResult, error) {
	var p exportArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return portico.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if len(p.Records) == 0 {
		return portico.ToolResult{Error: "records is required"}, nil
	}

	switch p.Format {
	case "", "csv":
		out, err := exportCSV(p.Records)
		if err != nil {
			return portico.ToolResult{Error: err.Error()}, nil
		}
		return portico.ToolResult{Content: out}, nil
	case "json":
		out, err := json.MarshalIndent(p.Records, "", "  ")
		if err != nil {
			return portico.ToolResult{Error: "marshal error: " + err.Error()}, nil
		}
		return portico.ToolResult{Content: string(out)}, nil
	default:
		return portico.ToolResult{Error: "unknown format: " + p.Format + " (use csv or json)"}, nil
	}
}

func exportCSV(records []map[string]any) (string, error) {
	columns := extractColumns(records)

	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(columns); err != nil {
		return "", fmt.Errorf("csv write error: %w", err)
	}
	row := make([]string, len(columns))
	for _, rec := range records {
		for i, col := range columns {
			row[i] = cellString(rec[col])
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("csv write error: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("csv write error: %w", err)
	}
	return sb.String(), nil
}

// cellString flattens a record value for a CSV cell. Nested values are
// serialized as JSON.
func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		// JSON numbers decode as float64; keep integers clean.
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		data, _ := json.Marshal(x)
		return string(data)
	}
}

var _ portico.Tool = (*Tool)(nil)

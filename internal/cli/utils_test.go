package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperjump/kensaku/internal/models"
)

func sampleResponse() *models.SearchResponse {
	return &models.SearchResponse{
		Query:     "parse tokens",
		QueryTime: 42,
		Total:     2,
		Results: []*models.SearchResult{
			{
				Key:        "e1|pkg/lex.go#10",
				Rank:       1,
				Score:      0.91,
				Similarity: 0.95,
				Recency:    0.5,
				Overlap:    0.25,
				Span: &models.StoredSpan{CodeSpan: models.CodeSpan{
					FilePath:  "pkg/lex.go",
					StartLine: 10,
					EndLine:   14,
					Kind:      models.SpanFunction,
					Name:      "Lex",
					Content:   "\nfunc Lex(src string) []Token {\n\treturn nil\n}\n",
				}},
			},
		},
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputJSON); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded models.SearchResponse
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Query != "parse tokens" || decoded.QueryTime != 42 {
		t.Errorf("decoded query=%q query_time=%d", decoded.Query, decoded.QueryTime)
	}
	if len(decoded.Results) != 1 || decoded.Results[0].Span.FilePath != "pkg/lex.go" {
		t.Errorf("decoded results: %+v", decoded.Results)
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatalf("WriteSearchResults(text): %v", err)
	}
	out := buf.String()
	for _, sub := range []string{"Found 2 results in 42ms", "showing 1", "#1 pkg/lex.go:10-13", "function Lex", "similarity 0.9500", "func Lex(src string)"} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}
}

func TestWriteSearchResults_textReason(t *testing.T) {
	var buf bytes.Buffer
	resp := &models.SearchResponse{Results: []*models.SearchResult{}, Reason: "compute_failed"}
	if err := WriteSearchResults(&buf, resp, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Reason: compute_failed") {
		t.Errorf("expected the reason in output:\n%s", buf.String())
	}
}

func TestWriteSearchResults_compact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputCompact); err != nil {
		t.Fatal(err)
	}
	want := "pkg/lex.go:10-13\t0.9100\tfunction Lex\n"
	if buf.String() != want {
		t.Errorf("compact output = %q, want %q", buf.String(), want)
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in   string
		want OutputFormat
	}{
		{"json", OutputJSON},
		{" JSON ", OutputJSON},
		{"compact", OutputCompact},
		{"text", OutputText},
		{"unknown", OutputText},
		{"", OutputText},
	}
	for _, tt := range tests {
		if got := ParseOutputFormat(tt.in); got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteFiles(t *testing.T) {
	rel := 0.75
	files := []*models.ProjectFile{
		{Path: "b.go", Relevance: &rel},
		{Path: "c.go", SpanCount: 3},
	}
	var buf bytes.Buffer
	if err := WriteFiles(&buf, files, OutputText); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "0.7500\tb.go\nc.go\t3 spans\n" {
		t.Errorf("WriteFiles text = %q", buf.String())
	}

	buf.Reset()
	if err := WriteFiles(&buf, nil, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var out map[string][]models.ProjectFile
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["files"] == nil || len(out["files"]) != 0 {
		t.Errorf("expected an empty files array, got %s", buf.String())
	}
}

func TestWriteStatus(t *testing.T) {
	disk := int64(3 * 1024 * 1024)
	status := &models.IndexStatus{
		FilesIndexed:    2,
		SpansIndexed:    9,
		VectorIndexSize: 9,
		VectorIndexType: "hnsw",
		ModelVersion:    "mock-v1",
		NotFullyIndexed: []string{"big.go"},
		DiskUsageBytes:  &disk,
	}
	var buf bytes.Buffer
	if err := WriteStatus(&buf, status, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{"Files indexed:     2", "hnsw (9 entries)", "mock-v1", "3.0 MiB", "big.go"} {
		if !strings.Contains(out, sub) {
			t.Errorf("status output missing %q:\n%s", sub, out)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024 * 1024, "5.0 GiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

package format

import (
	"bytes"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	cases := map[string]OutputFormat{"": FormatTable, "table": FormatTable, "JSON": FormatJSON, "csv": FormatCSV}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil || got != want {
			t.Errorf("Parse(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := Parse("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestTableTo(t *testing.T) {
	var buf bytes.Buffer
	headers := []string{"TRIAL", "loss"}
	rows := [][]string{
		{"a1b2c3d4", "0.25"},
		{"e5f6a7b8", "0.5"},
	}
	TableTo(&buf, headers, rows)

	out := buf.String()
	if !strings.Contains(out, "TRIAL") {
		t.Error("expected header 'TRIAL' in output")
	}
	if !strings.Contains(out, "e5f6a7b8") {
		t.Error("expected row data in output")
	}
	if !strings.Contains(out, "-----") {
		t.Error("expected separator line in output")
	}
}

func TestTableTo_Empty(t *testing.T) {
	var buf bytes.Buffer
	TableTo(&buf, []string{"A", "B"}, nil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 lines (header+separator), got %d", len(lines))
	}
}

func TestJSONTo(t *testing.T) {
	var buf bytes.Buffer
	if err := JSONTo(&buf, map[string]string{"hello": "world"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"hello": "world"`) {
		t.Errorf("unexpected JSON output: %s", buf.String())
	}
}

func TestCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := CSV(&buf, []string{"col1", "col2"}, [][]string{{"a", "b"}, {"c", "d"}}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Errorf("expected 3 CSV lines, got %d", len(lines))
	}
	if lines[0] != "col1,col2" {
		t.Errorf("unexpected header: %s", lines[0])
	}
}

func TestRows(t *testing.T) {
	headers := []string{"x"}
	rows := [][]string{{"1"}}
	var buf bytes.Buffer
	if err := Rows(&buf, FormatCSV, headers, rows, nil); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "x\n1\n" {
		t.Errorf("csv = %q", buf.String())
	}
	buf.Reset()
	if err := Rows(&buf, FormatJSON, headers, rows, []int{1}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "1") || strings.Contains(buf.String(), "x") {
		t.Errorf("json = %q", buf.String())
	}
}

func TestFloat(t *testing.T) {
	if got := Float(0.123456789); got != "0.12346" {
		t.Errorf("Float = %q", got)
	}
	val := 2.5
	if got := PtrF64(&val); got != "2.5" {
		t.Errorf("PtrF64(&2.5) = %q", got)
	}
	if got := PtrF64(nil); got != "-" {
		t.Errorf("PtrF64(nil) = %q, want %q", got, "-")
	}
}

func TestPtr(t *testing.T) {
	s := "boom"
	if got := Ptr(&s, "%s"); got != "boom" {
		t.Errorf("Ptr(&boom) = %q", got)
	}
	if got := Ptr[string](nil, "%s"); got != "-" {
		t.Errorf("Ptr(nil) = %q, want %q", got, "-")
	}
}

func TestConfig(t *testing.T) {
	got := Config(map[string]any{"optimizer": "sgd", "lr": 0.0123456})
	if got != "lr=0.012346, optimizer=sgd" {
		t.Errorf("Config = %q", got)
	}
}

package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level, format string
		wantDebug     bool
		wantJSON      bool
		wantErr       bool
	}{
		{level: "debug", format: "text", wantDebug: true},
		{level: "INFO", format: "json", wantJSON: true},
		{level: "", format: ""},
		{level: "warning", format: "text"},
		{level: "verbose", format: "text", wantErr: true},
		{level: "info", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		l, err := New(&buf, tt.level, tt.format)
		if (err != nil) != tt.wantErr {
			t.Fatalf("New(%q, %q) error = %v", tt.level, tt.format, err)
		}
		if err != nil {
			continue
		}
		l.Debug("debug line")
		l.Warn("warn line", "k", "v")

		out := buf.String()
		if got := strings.Contains(out, "debug line"); got != tt.wantDebug {
			t.Errorf("New(%q): debug logged = %v", tt.level, got)
		}
		if !strings.Contains(out, "warn line") {
			t.Errorf("New(%q): warn line missing", tt.level)
		}
		if tt.wantJSON {
			var rec map[string]any
			if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
				t.Errorf("json output %q: %v", out, err)
			} else if rec["k"] != "v" {
				t.Errorf("json attrs = %v", rec)
			}
		}
	}
}

package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	t.Parallel()
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "playsync version dev") {
		t.Errorf("output = %q", out)
	}
}

func TestGenThenPlay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clip.ts")
	out, err := run(t, "gen", path, "--duration", "1s", "--captions", "HELLO")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "25 video frames") {
		t.Errorf("gen output = %q", out)
	}

	out, err = run(t, "play", path, "--audio", "null", "--speed", "8", "--for", "20s")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{": finished at", "frames presented", "audio:"} {
		if !strings.Contains(out, want) {
			t.Errorf("play output %q missing %q", out, want)
		}
	}
}

func TestPlayRejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"speed", []string{"play", "x.ts", "--speed", "64"}, "playback.speed"},
		{"audio output", []string{"play", "x.ts", "--audio", "alsa"}, "audio.output"},
		{"monitor pin", []string{"play", "x.ts", "--monitor", "127.0.0.1:1"}, "monitor.fingerprint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := run(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestPlayMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := run(t, "play", filepath.Join(t.TempDir(), "absent.ts"), "--audio", "none"); err == nil {
		t.Error("play of a missing file should fail")
	}
}

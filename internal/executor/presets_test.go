package executor

import (
	"strings"
	"testing"
)

func TestPresetTable(t *testing.T) {
	tests := []struct {
		name   string
		height int
		crf    int
	}{
		{"360p", 360, 28},
		{"480p", 480, 26},
		{"720p", 720, 23},
		{"1080p", 1080, 21},
	}
	for _, tt := range tests {
		p, ok := LookupPreset(tt.name)
		if !ok {
			t.Fatalf("preset %s missing", tt.name)
		}
		if p.Height != tt.height || p.CRF != tt.crf {
			t.Fatalf("preset %s = %+v", tt.name, p)
		}
	}
	if p, ok := LookupPreset(" 720P "); !ok || p.Name != "720p" {
		t.Fatalf("expected case-insensitive lookup, got %+v %v", p, ok)
	}
}

func TestResolvePreset(t *testing.T) {
	if got := ResolvePreset("", "").Name; got != DefaultPreset {
		t.Fatalf("expected default preset, got %s", got)
	}
	if got := ResolvePreset("bogus", "1080p").Name; got != "1080p" {
		t.Fatalf("expected configured fallback, got %s", got)
	}
	if got := ResolvePreset("bogus", "bogus").Name; got != DefaultPreset {
		t.Fatalf("expected built-in default, got %s", got)
	}
}

func TestPresetNamesOrdered(t *testing.T) {
	if got := strings.Join(PresetNames(), ","); got != "360p,480p,720p,1080p" {
		t.Fatalf("unexpected order %s", got)
	}
}

func TestPresetArgsEndWithOutput(t *testing.T) {
	args := presets["480p"].Args("/in.mkv", "/out.mp4")
	if args[len(args)-1] != "/out.mp4" {
		t.Fatalf("output must be the final argument, got %v", args)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(10)
	_, _ = tb.Write([]byte("hello "))
	_, _ = tb.Write([]byte("world!"))
	if got := tb.String(); got != "llo world!" {
		t.Fatalf("unexpected tail %q", got)
	}
	_, _ = tb.Write([]byte("0123456789abcdef"))
	if got := tb.String(); got != "6789abcdef" {
		t.Fatalf("unexpected tail after large write %q", got)
	}
}

func TestLastLine(t *testing.T) {
	if got := lastLine("a\nb\n\n  \n"); got != "b" {
		t.Fatalf("unexpected last line %q", got)
	}
	if got := lastLine(""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestFailureMessage(t *testing.T) {
	f := &Failure{ExitCode: 1, Reason: "ffmpeg exited with code 1", Diagnostic: "noise\nreal problem\n"}
	if f.Error() != "ffmpeg exited with code 1: real problem" {
		t.Fatalf("unexpected message %q", f.Error())
	}
}

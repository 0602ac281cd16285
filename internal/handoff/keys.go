package handoff

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// KeyPolicy names the blob keys a job reads and writes.
type KeyPolicy struct {
	// InputPrefix defaults to "uploads".
	InputPrefix string
	// OutputPrefix defaults to "outputs".
	OutputPrefix string
}

const (
	defaultInputPrefix  = "uploads"
	defaultOutputPrefix = "outputs"
	maxNameLength       = 120
)

func (k KeyPolicy) inputPrefix() string {
	if p := strings.Trim(k.InputPrefix, "/ "); p != "" {
		return p
	}
	return defaultInputPrefix
}

func (k KeyPolicy) outputPrefix() string {
	if p := strings.Trim(k.OutputPrefix, "/ "); p != "" {
		return p
	}
	return defaultOutputPrefix
}

// InputKey returns uploads/<job_id>/<safe name>.
func (k KeyPolicy) InputKey(jobID, sourceName string) string {
	return path.Join(k.inputPrefix(), jobID, SafeName(sourceName))
}

// OutputKey returns outputs/<job_id>/<preset>.mp4. The key depends only on the
// job and preset, so a retried upload overwrites the same object.
func (k KeyPolicy) OutputKey(jobID, preset string) string {
	return path.Join(k.outputPrefix(), jobID, SafeName(preset)+".mp4")
}

// OwnsInput reports whether key lies under the job's input prefix.
func (k KeyPolicy) OwnsInput(jobID, key string) bool {
	return strings.HasPrefix(key, path.Join(k.inputPrefix(), jobID)+"/")
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// SafeName reduces a user-supplied file name to ASCII letters, digits, dot,
// dash and underscore. Accents are folded ("Café" becomes "Cafe").
func SafeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range folded {
		ok := r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_')
		if !ok {
			if lastUnderscore {
				continue
			}
			r = '_'
		}
		lastUnderscore = r == '_'
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > maxNameLength {
		ext := path.Ext(out)
		if len(ext) > 10 {
			ext = ""
		}
		out = out[:maxNameLength-len(ext)] + ext
	}
	if out == "" || out == "." || out == ".." {
		return "input"
	}
	return out
}

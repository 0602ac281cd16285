package executor

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DefaultPreset is used when a job names no preset or an unknown one.
const DefaultPreset = "480p"

// Preset is one row of the fixed encoding table.
type Preset struct {
	Name   string
	Height int
	CRF    int
}

var presets = map[string]Preset{
	"360p":  {Name: "360p", Height: 360, CRF: 28},
	"480p":  {Name: "480p", Height: 480, CRF: 26},
	"720p":  {Name: "720p", Height: 720, CRF: 23},
	"1080p": {Name: "1080p", Height: 1080, CRF: 21},
}

// LookupPreset returns the preset named name.
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// ResolvePreset returns the named preset, falling back to fallback and then
// to DefaultPreset.
func ResolvePreset(name, fallback string) Preset {
	if p, ok := LookupPreset(name); ok {
		return p
	}
	if p, ok := LookupPreset(fallback); ok {
		return p
	}
	return presets[DefaultPreset]
}

// PresetNames lists preset names from lowest to highest resolution.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		return presets[a].Height - presets[b].Height
	})
	return names
}

// Args builds the ffmpeg argument list for p. Progress is written as
// key=value lines to stdout.
func (p Preset) Args(input, output string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", input,
		"-vf", fmt.Sprintf("scale=-2:%d", p.Height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", strconv.Itoa(p.CRF),
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-nostats",
		output,
	}
}

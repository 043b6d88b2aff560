package video

import "fmt"

// Rendition is one rung of the fixed ABR ladder. Bitrates are bits per
// second; the master playlist bandwidth is the sum of both.
type Rendition struct {
	Name         string
	Width        int
	Height       int
	VideoBitrate int
	AudioBitrate int
}

func (r Rendition) Bandwidth() int {
	return r.VideoBitrate + r.AudioBitrate
}

func (r Rendition) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// The ladder is fixed; sources smaller than a rung still get that rung,
// upscaled, so players always see a predictable set of variants.
var Ladder = []Rendition{
	{Name: "360p", Width: 640, Height: 360, VideoBitrate: 800_000, AudioBitrate: 96_000},
	{Name: "480p", Width: 854, Height: 480, VideoBitrate: 1_400_000, AudioBitrate: 128_000},
	{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2_800_000, AudioBitrate: 128_000},
	{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: 5_000_000, AudioBitrate: 192_000},
}

func RenditionByName(name string) (Rendition, bool) {
	for _, r := range Ladder {
		if r.Name == name {
			return r, true
		}
	}
	return Rendition{}, false
}

type Preset string

const (
	PresetUltrafast Preset = "ultrafast"
	PresetFast      Preset = "fast"
	PresetMedium    Preset = "medium"
)

// TranscodeSpec tells the encoder driver what to produce.
// PlaylistResolutions may be a superset of TargetResolutions when a prior
// stage already produced some of the renditions.
type TranscodeSpec struct {
	TargetResolutions   []string
	PlaylistResolutions []string
	Preset              Preset
	// 0 means let the encoder use every core
	CPUThreads int
}

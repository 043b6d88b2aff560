package video

import (
	"encoding/json"
	"fmt"
	"strconv"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

type probeFormat struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
}

// ProbeDuration returns the input duration in seconds, used to turn encoder
// time markers into percentages.
func ProbeDuration(inputPath string) (float64, error) {
	data, err := ffmpeg.Probe(inputPath)
	if err != nil {
		return 0, fmt.Errorf("error probing input file: %w", err)
	}
	var probed probeFormat
	if err := json.Unmarshal([]byte(data), &probed); err != nil {
		return 0, fmt.Errorf("error parsing probe output: %w", err)
	}
	duration, err := strconv.ParseFloat(probed.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing probed duration %q: %w", probed.Format.Duration, err)
	}
	return duration, nil
}

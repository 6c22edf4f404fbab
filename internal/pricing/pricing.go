// Package pricing computes the token cost of a generation before it is
// submitted. Costs are fixed at quote time and never recomputed.
package pricing

import (
	"fmt"

	"github.com/kelpejol/klingbot/internal/video"
)

// Flat prices for text-to-video and image-to-video.
const (
	ShortSilent int64 = 55
	LongSilent  int64 = 110
	ShortAudio  int64 = 110
	LongAudio   int64 = 220
)

// Per-second motion control rates and the billing floor.
const (
	MotionRate720p  int64 = 6
	MotionRate1080p int64 = 9
)

const MotionMinimumSecs = 5

// VideoPrice returns the flat price of a text- or image-to-video clip.
// Durations other than 10 seconds are billed as 5 second clips.
func VideoPrice(durationSeconds int, audio bool) int64 {
	if durationSeconds == video.LongClip {
		if audio {
			return LongAudio
		}
		return LongSilent
	}
	if audio {
		return ShortAudio
	}
	return ShortSilent
}

// MotionControlPrice bills the reference video length, with a 5 second floor.
// Anything other than 1080p is billed at the 720p rate.
func MotionControlPrice(durationSeconds int, quality video.Quality) int64 {
	secs := durationSeconds
	if secs < MotionMinimumSecs {
		secs = MotionMinimumSecs
	}
	rate := MotionRate720p
	if quality == video.Quality1080p {
		rate = MotionRate1080p
	}
	return int64(secs) * rate
}

// Quote prices a full parameter set for the given mode.
func Quote(mode video.Mode, p video.Params) (int64, error) {
	switch mode {
	case video.TextToVideo, video.ImageToVideo:
		return VideoPrice(p.Duration, p.Audio), nil
	case video.MotionControl:
		return MotionControlPrice(p.VideoDuration, p.Quality), nil
	}
	return 0, fmt.Errorf("cannot price mode %q", mode)
}

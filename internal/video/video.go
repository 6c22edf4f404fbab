// Package video holds the generation parameter vocabulary shared by the
// wizard, the pricing calculator and the provider gateway.
package video

import "fmt"

// Mode selects one of the three generation pipelines.
type Mode string

const (
	TextToVideo   Mode = "t2v"
	ImageToVideo  Mode = "i2v"
	MotionControl Mode = "mc"
)

// Provider model identifiers.
const (
	ModelTextToVideo   = "kling-2.6/text-to-video"
	ModelImageToVideo  = "kling-2.6/image-to-video"
	ModelMotionControl = "kling-2.6/motion-control"
)

// ParseMode accepts the short mode tag used by chat buttons.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case TextToVideo, ImageToVideo, MotionControl:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown generation mode %q", s)
}

// Model returns the provider model name for the mode.
func (m Mode) Model() string {
	switch m {
	case TextToVideo:
		return ModelTextToVideo
	case ImageToVideo:
		return ModelImageToVideo
	case MotionControl:
		return ModelMotionControl
	}
	return ""
}

// AspectRatio is the frame shape for text-to-video.
type AspectRatio string

const (
	Landscape AspectRatio = "16:9"
	Portrait  AspectRatio = "9:16"
	Square    AspectRatio = "1:1"
)

// Orientation tells motion control whose framing to follow.
type Orientation string

const (
	OrientImage Orientation = "image"
	OrientVideo Orientation = "video"
)

// Quality is the motion control output resolution.
type Quality string

const (
	Quality720p  Quality = "720p"
	Quality1080p Quality = "1080p"
)

// Allowed clip lengths.
const (
	ShortClip = 5
	LongClip  = 10

	MinReferenceSeconds = 3
	MaxReferenceSeconds = 30
)

// Params is the snapshot of everything the user chose. Fields that do not
// apply to a mode stay zero.
type Params struct {
	Prompt        string      `json:"prompt"`
	AspectRatio   AspectRatio `json:"aspect_ratio,omitempty"`
	Duration      int         `json:"duration,omitempty"`
	Audio         bool        `json:"audio"`
	ImageURL      string      `json:"image_url,omitempty"`
	VideoURL      string      `json:"video_url,omitempty"`
	VideoDuration int         `json:"video_duration,omitempty"`
	Orientation   Orientation `json:"orientation,omitempty"`
	Quality       Quality     `json:"quality,omitempty"`
}

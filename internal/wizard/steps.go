package wizard

import (
	"fmt"
	"strings"

	"github.com/kelpejol/klingbot/internal/video"
)

// Step names a point in a mode's linear sequence.
type Step string

const (
	StepPrompt      Step = "prompt"
	StepAspect      Step = "aspect"
	StepDuration    Step = "duration"
	StepAudio       Step = "audio"
	StepImage       Step = "image"
	StepVideo       Step = "video"
	StepOrientation Step = "orientation"
	StepQuality     Step = "quality"
	StepConfirm     Step = "confirm"
)

var flows = map[video.Mode][]Step{
	video.TextToVideo:   {StepPrompt, StepAspect, StepDuration, StepAudio, StepConfirm},
	video.ImageToVideo:  {StepImage, StepPrompt, StepDuration, StepAudio, StepConfirm},
	video.MotionControl: {StepImage, StepVideo, StepPrompt, StepOrientation, StepQuality, StepConfirm},
}

// Options lists the button values offered at a step, if any.
func Options(step Step) []string {
	switch step {
	case StepAspect:
		return []string{string(video.Landscape), string(video.Portrait), string(video.Square)}
	case StepDuration:
		return []string{"5", "10"}
	case StepAudio:
		return []string{"yes", "no"}
	case StepOrientation:
		return []string{string(video.OrientImage), string(video.OrientVideo)}
	case StepQuality:
		return []string{string(video.Quality720p), string(video.Quality1080p)}
	}
	return nil
}

func firstStep(mode video.Mode) Step {
	return flows[mode][0]
}

func nextStep(mode video.Mode, current Step) Step {
	flow := flows[mode]
	for i, s := range flow {
		if s == current && i+1 < len(flow) {
			return flow[i+1]
		}
	}
	return StepConfirm
}

// skippable reports whether the step accepts Skip in the given mode.
func skippable(mode video.Mode, step Step) bool {
	return step == StepPrompt && mode != video.TextToVideo
}

// apply validates in against the step and writes it into p. A
// *ValidationError means the step must be asked again; ErrUnexpectedInput
// means the input does not belong to this step at all.
func apply(mode video.Mode, step Step, in Input, p *video.Params) error {
	if c, ok := in.(Choice); ok && c.Step != step {
		return ErrUnexpectedInput
	}
	if s, ok := in.(Skip); ok {
		if s.Step != step || !skippable(mode, step) {
			return ErrUnexpectedInput
		}
		p.Prompt = ""
		return nil
	}

	switch step {
	case StepPrompt:
		t, ok := in.(Text)
		if !ok {
			return ErrUnexpectedInput
		}
		prompt := strings.TrimSpace(t.Value)
		if prompt == "" {
			return invalid(step, "prompt must not be empty")
		}
		p.Prompt = prompt

	case StepAspect:
		c, ok := in.(Choice)
		if !ok {
			return ErrUnexpectedInput
		}
		switch ar := video.AspectRatio(c.Value); ar {
		case video.Landscape, video.Portrait, video.Square:
			p.AspectRatio = ar
		default:
			return invalid(step, fmt.Sprintf("unsupported aspect ratio %q", c.Value))
		}

	case StepDuration:
		c, ok := in.(Choice)
		if !ok {
			return ErrUnexpectedInput
		}
		switch c.Value {
		case "5":
			p.Duration = video.ShortClip
		case "10":
			p.Duration = video.LongClip
		default:
			return invalid(step, fmt.Sprintf("unsupported duration %q", c.Value))
		}

	case StepAudio:
		c, ok := in.(Choice)
		if !ok {
			return ErrUnexpectedInput
		}
		switch c.Value {
		case "yes":
			p.Audio = true
		case "no":
			p.Audio = false
		default:
			return invalid(step, fmt.Sprintf("unsupported audio option %q", c.Value))
		}

	case StepImage:
		ph, ok := in.(Photo)
		if !ok {
			return invalid(step, "expected a photo")
		}
		if ph.URL == "" {
			return invalid(step, "photo has no url")
		}
		p.ImageURL = ph.URL

	case StepVideo:
		v, ok := in.(Video)
		if !ok {
			return invalid(step, "expected a video")
		}
		if v.DurationSeconds < video.MinReferenceSeconds || v.DurationSeconds > video.MaxReferenceSeconds {
			return invalid(step, fmt.Sprintf("reference video must be %d-%d seconds, got %d",
				video.MinReferenceSeconds, video.MaxReferenceSeconds, v.DurationSeconds))
		}
		if v.URL == "" {
			return invalid(step, "video has no url")
		}
		p.VideoURL = v.URL
		p.VideoDuration = v.DurationSeconds

	case StepOrientation:
		c, ok := in.(Choice)
		if !ok {
			return ErrUnexpectedInput
		}
		switch o := video.Orientation(c.Value); o {
		case video.OrientImage, video.OrientVideo:
			p.Orientation = o
		default:
			return invalid(step, fmt.Sprintf("unsupported orientation %q", c.Value))
		}

	case StepQuality:
		c, ok := in.(Choice)
		if !ok {
			return ErrUnexpectedInput
		}
		switch q := video.Quality(c.Value); q {
		case video.Quality720p, video.Quality1080p:
			p.Quality = q
		default:
			return invalid(step, fmt.Sprintf("unsupported quality %q", c.Value))
		}

	default:
		return ErrUnexpectedInput
	}
	return nil
}

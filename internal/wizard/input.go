package wizard

import (
	"fmt"
	"strings"

	"github.com/kelpejol/klingbot/internal/video"
)

// Input is one user turn routed to the current step.
type Input interface {
	isInput()
}

// Text is free-form typed text.
type Text struct {
	Value string `json:"value"`
}

// Photo is an uploaded image, already resolved to a public URL.
type Photo struct {
	URL string `json:"url"`
}

// Video is an uploaded reference clip with its reported duration.
type Video struct {
	URL             string `json:"url"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Choice is a button press carrying the option value for the current step.
type Choice struct {
	Step  Step   `json:"step"`
	Value string `json:"value"`
}

// Skip leaves an optional step at its default.
type Skip struct {
	Step Step `json:"step"`
}

func (Text) isInput()   {}
func (Photo) isInput()  {}
func (Video) isInput()  {}
func (Choice) isInput() {}
func (Skip) isInput()   {}

// Action is a parsed button tag.
type Action interface {
	isAction()
}

// SelectMode starts a fresh wizard.
type SelectMode struct{ Mode video.Mode }

// StepInput delivers a button choice or skip to a step of a given mode.
type StepInput struct {
	Mode  video.Mode
	Input Input
}

// ConfirmAction asks to price and submit the assembled parameters.
type ConfirmAction struct{ Mode video.Mode }

// CancelAction abandons the wizard.
type CancelAction struct{}

// SetLanguage switches the user's interface language.
type SetLanguage struct{ Code string }

func (SelectMode) isAction()    {}
func (StepInput) isAction()     {}
func (ConfirmAction) isAction() {}
func (CancelAction) isAction()  {}
func (SetLanguage) isAction()   {}

// Button tag fields, as they appear after the mode prefix.
var tagFields = map[string]Step{
	"aspect":   StepAspect,
	"duration": StepDuration,
	"audio":    StepAudio,
	"orient":   StepOrientation,
	"mode":     StepQuality,
}

// ParseTag turns a chat button tag such as "t2v_aspect_16:9" into an Action.
// Tags are parsed once here so nothing downstream handles raw strings.
func ParseTag(tag string) (Action, error) {
	switch {
	case tag == "gen_cancel":
		return CancelAction{}, nil
	case strings.HasPrefix(tag, "gen_mode_"):
		mode, err := video.ParseMode(strings.TrimPrefix(tag, "gen_mode_"))
		if err != nil {
			return nil, err
		}
		return SelectMode{Mode: mode}, nil
	case strings.HasPrefix(tag, "lang_"):
		return SetLanguage{Code: strings.TrimPrefix(tag, "lang_")}, nil
	}

	prefix, rest, ok := strings.Cut(tag, "_")
	if !ok {
		return nil, fmt.Errorf("unrecognized tag %q", tag)
	}
	mode, err := video.ParseMode(prefix)
	if err != nil {
		return nil, fmt.Errorf("unrecognized tag %q: %w", tag, err)
	}

	switch rest {
	case "confirm":
		return ConfirmAction{Mode: mode}, nil
	case "prompt_skip":
		return StepInput{Mode: mode, Input: Skip{Step: StepPrompt}}, nil
	}

	field, value, ok := strings.Cut(rest, "_")
	if !ok || value == "" {
		return nil, fmt.Errorf("unrecognized tag %q", tag)
	}
	step, known := tagFields[field]
	if !known {
		return nil, fmt.Errorf("unrecognized tag field %q in %q", field, tag)
	}
	return StepInput{Mode: mode, Input: Choice{Step: step, Value: value}}, nil
}

package sse

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Image-stream statuses. The image generator speaks a different framing
// convention than the chat stream ({status:...} rather than {type:...});
// the two decoders stay separate on purpose.
const (
	ImageStarting = "starting"
	ImageProgress = "progress"
	ImageComplete = "complete"
	ImageError    = "error"
)

// ImageEvent is one decoded image-generation frame. Image carries the
// base64-encoded PNG and is only populated on a complete frame.
type ImageEvent struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Progress   float64 `json:"progress"`
	Step       int     `json:"step"`
	TotalSteps int     `json:"total_steps"`
	Image      string  `json:"image"`
	Error      string  `json:"error"`
}

// ImageDecoder turns image-stream lines into ImageEvents.
type ImageDecoder struct{}

// Decode maps one line to at most one event. Non-data lines yield nothing;
// invalid JSON on a data: line returns ErrMalformedFrame.
func (ImageDecoder) Decode(line string) (*ImageEvent, error) {
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil, nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, nil
	}

	var ev ImageEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &ev, nil
}

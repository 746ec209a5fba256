package questionnaire

import "errors"

var (
	// ErrInvalidArgument indicates a structurally valid but unacceptable
	// value: duplicate ids, unknown sections, out-of-range answers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidType indicates a value of the wrong kind entirely
	// (non-string option, non-sequence spelling input, malformed condition).
	ErrInvalidType = errors.New("invalid type")

	// ErrRender indicates template rendering or serialization failed.
	ErrRender = errors.New("questionnaire render failed")
)

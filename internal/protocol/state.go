// Package protocol defines the messages exchanged between the course-material
// host and an embedded exercise plugin.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
)

// Version is the protocol version stamped on every outbound message.
const Version = 1

var (
	// ErrMalformed is returned for messages that fail their structural guard.
	ErrMalformed = errors.New("malformed message")
	// ErrUnsupportedVersion is returned for messages from a newer protocol.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// ViewType selects what the plugin should render.
type ViewType string

const (
	ViewExercise       ViewType = "exercise"
	ViewViewSubmission ViewType = "view-submission"
)

// UserInformation tells the plugin who is looking at it without identifying them.
type UserInformation struct {
	PseudonymousID string `json:"pseudonymous_id"`
	SignedIn       bool   `json:"signed_in"`
}

// StateData is the view-specific payload of an IframeState.
type StateData interface {
	ViewType() ViewType
}

// ExerciseData is sent when the learner is answering.
type ExerciseData struct {
	PublicSpec         json.RawMessage       `json:"public_spec"`
	PreviousSubmission *model.TaskSubmission `json:"previous_submission"`
}

func (ExerciseData) ViewType() ViewType { return ViewExercise }

// ViewSubmissionData is sent when the plugin shows an already submitted answer.
type ViewSubmissionData struct {
	Grading           *model.Grading  `json:"grading"`
	UserAnswer        json.RawMessage `json:"user_answer"`
	PublicSpec        json.RawMessage `json:"public_spec"`
	ModelSolutionSpec json.RawMessage `json:"model_solution_spec"`
}

func (ViewSubmissionData) ViewType() ViewType { return ViewViewSubmission }

// IframeState is the envelope pushed into an exercise frame. The view type is
// derived from Data so the two can never disagree.
type IframeState struct {
	ExerciseTaskID  uuid.UUID
	UserInformation UserInformation
	UserVariables   map[string]json.RawMessage
	Data            StateData
}

// ViewType returns the view type of the state's payload.
func (s IframeState) ViewType() ViewType {
	if s.Data == nil {
		return ""
	}
	return s.Data.ViewType()
}

type stateWire struct {
	ViewType        ViewType                   `json:"view_type"`
	ExerciseTaskID  uuid.UUID                  `json:"exercise_task_id"`
	UserInformation UserInformation            `json:"user_information"`
	UserVariables   map[string]json.RawMessage `json:"user_variables"`
	Data            any                        `json:"data"`
}

func (s IframeState) wire() (stateWire, error) {
	if s.Data == nil {
		return stateWire{}, fmt.Errorf("encode state for task %s: missing data", s.ExerciseTaskID)
	}
	vars := s.UserVariables
	if vars == nil {
		vars = map[string]json.RawMessage{}
	}
	return stateWire{
		ViewType:        s.Data.ViewType(),
		ExerciseTaskID:  s.ExerciseTaskID,
		UserInformation: s.UserInformation,
		UserVariables:   vars,
		Data:            s.Data,
	}, nil
}

func (s IframeState) MarshalJSON() ([]byte, error) {
	w, err := s.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (s *IframeState) UnmarshalJSON(b []byte) error {
	var raw struct {
		ViewType        ViewType                   `json:"view_type"`
		ExerciseTaskID  uuid.UUID                  `json:"exercise_task_id"`
		UserInformation UserInformation            `json:"user_information"`
		UserVariables   map[string]json.RawMessage `json:"user_variables"`
		Data            json.RawMessage            `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var data StateData
	switch raw.ViewType {
	case ViewExercise:
		var d ExerciseData
		if err := unmarshalData(raw.Data, &d); err != nil {
			return err
		}
		data = d
	case ViewViewSubmission:
		var d ViewSubmissionData
		if err := unmarshalData(raw.Data, &d); err != nil {
			return err
		}
		data = d
	default:
		return fmt.Errorf("%w: unknown view_type %q", ErrMalformed, raw.ViewType)
	}
	*s = IframeState{
		ExerciseTaskID:  raw.ExerciseTaskID,
		UserInformation: raw.UserInformation,
		UserVariables:   raw.UserVariables,
		Data:            data,
	}
	return nil
}

func unmarshalData(b json.RawMessage, v any) error {
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("%w: state data is required", ErrMalformed)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: state data: %v", ErrMalformed, err)
	}
	return nil
}

// Equal reports whether two states encode to the same wire bytes.
func Equal(a, b *IframeState) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// ResultsExport is the top-level JSON structure for exercise result export.
type ResultsExport struct {
	ExerciseID   uuid.UUID       `json:"exercise_id"`
	Name         string          `json:"name"`
	ScoreMaximum int             `json:"score_maximum"`
	ExportedAt   time.Time       `json:"exported_at"`
	Results      []LearnerResult `json:"results"`
}

// LearnerResult holds one learner's standing on an exercise.
type LearnerResult struct {
	UserID      uuid.UUID `json:"user_id"`
	Submissions int       `json:"submissions"`
	ExerciseStatus
	LatestSubmissionAt *time.Time   `json:"latest_submission_at,omitempty"`
	Tasks              []TaskResult `json:"tasks"`
}

// TaskResult is the grading of a learner's latest answer to one task.
type TaskResult struct {
	TaskID          uuid.UUID       `json:"task_id"`
	GradingProgress GradingProgress `json:"grading_progress"`
	ScoreGiven      *float32        `json:"score_given"`
	ScoreMaximum    int             `json:"score_maximum"`
	FeedbackText    *string         `json:"feedback_text,omitempty"`
}

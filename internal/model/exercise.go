package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// GradingProgress describes whether grading of a submission has completed.
type GradingProgress string

const (
	GradingFailed        GradingProgress = "Failed"
	GradingNotReady      GradingProgress = "NotReady"
	GradingPendingManual GradingProgress = "PendingManual"
	GradingPending       GradingProgress = "Pending"
	GradingFullyGraded   GradingProgress = "FullyGraded"
)

// ActivityProgress describes how far a learner has progressed with an exercise.
type ActivityProgress string

const (
	ActivityInitialized ActivityProgress = "Initialized"
	ActivityStarted     ActivityProgress = "Started"
	ActivityInProgress  ActivityProgress = "InProgress"
	ActivitySubmitted   ActivityProgress = "Submitted"
	ActivityCompleted   ActivityProgress = "Completed"
)

// ReviewingStage is the server-tracked phase of one learner's post-submission
// workflow for one exercise.
type ReviewingStage string

const (
	StageNotStarted              ReviewingStage = "NotStarted"
	StagePeerReview              ReviewingStage = "PeerReview"
	StageSelfReview              ReviewingStage = "SelfReview"
	StageWaitingForPeerReviews   ReviewingStage = "WaitingForPeerReviews"
	StageWaitingForManualGrading ReviewingStage = "WaitingForManualGrading"
	StageReviewedAndLocked       ReviewingStage = "ReviewedAndLocked"
)

// Reviewing reports whether the stage shows a review form instead of the tasks.
func (s ReviewingStage) Reviewing() bool {
	return s == StagePeerReview || s == StageSelfReview
}

// TaskSubmission is one learner's answer to one task at one point in time.
type TaskSubmission struct {
	ID                        uuid.UUID       `json:"id"`
	CreatedAt                 time.Time       `json:"created_at"`
	ExerciseSlideSubmissionID uuid.UUID       `json:"exercise_slide_submission_id"`
	ExerciseTaskID            uuid.UUID       `json:"exercise_task_id"`
	DataJSON                  json.RawMessage `json:"data_json"`
	// Files maps the name of every file attached to the answer to its URL.
	Files map[string]string `json:"files,omitempty"`
}

// Grading is the result of evaluating a task submission.
type Grading struct {
	ID                       uuid.UUID                  `json:"id"`
	ExerciseTaskSubmissionID uuid.UUID                  `json:"exercise_task_submission_id"`
	GradingProgress          GradingProgress            `json:"grading_progress"`
	ScoreGiven               *float32                   `json:"score_given"`
	ScoreMaximum             int                        `json:"score_maximum"`
	FeedbackText             *string                    `json:"feedback_text"`
	FeedbackJSON             json.RawMessage            `json:"feedback_json"`
	SetUserVariables         map[string]json.RawMessage `json:"set_user_variables,omitempty"`
}

// ExerciseTask is one gradable unit inside a slide, as downloaded by course material.
type ExerciseTask struct {
	ID                        uuid.UUID       `json:"id"`
	ExerciseServiceSlug       string          `json:"exercise_service_slug"`
	ExerciseSlideID           uuid.UUID       `json:"exercise_slide_id"`
	ExerciseIframeURL         string          `json:"exercise_iframe_url,omitempty"`
	PseudonymousUserID        *uuid.UUID      `json:"pseudonumous_user_id"`
	Assignment                json.RawMessage `json:"assignment"`
	PublicSpec                json.RawMessage `json:"public_spec"`
	ModelSolutionSpec         json.RawMessage `json:"model_solution_spec"`
	PreviousSubmission        *TaskSubmission `json:"previous_submission"`
	PreviousSubmissionGrading *Grading        `json:"previous_submission_grading"`
	OrderNumber               int             `json:"order_number"`
}

// Exercise holds the exercise-level settings.
type Exercise struct {
	ID                 uuid.UUID  `json:"id"`
	Name               string     `json:"name"`
	ChapterID          *uuid.UUID `json:"chapter_id"`
	Deadline           *time.Time `json:"deadline"`
	ScoreMaximum       int        `json:"score_maximum"`
	MaxTriesPerSlide   *int       `json:"max_tries_per_slide"`
	LimitNumberOfTries bool       `json:"limit_number_of_tries"`
	NeedsPeerReview    bool       `json:"needs_peer_review"`
	NeedsSelfReview    bool       `json:"needs_self_review"`
}

// ExerciseStatus is the learner's current standing on an exercise.
type ExerciseStatus struct {
	ScoreGiven       *float32         `json:"score_given"`
	ActivityProgress ActivityProgress `json:"activity_progress"`
	GradingProgress  GradingProgress  `json:"grading_progress"`
	ReviewingStage   ReviewingStage   `json:"reviewing_stage"`
}

// ExerciseSlide groups the tasks shown together.
type ExerciseSlide struct {
	ID            uuid.UUID      `json:"id"`
	ExerciseTasks []ExerciseTask `json:"exercise_tasks"`
}

// SlideSubmission is one submit of a whole slide.
type SlideSubmission struct {
	ID              uuid.UUID `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	ExerciseSlideID uuid.UUID `json:"exercise_slide_id"`
	ExerciseID      uuid.UUID `json:"exercise_id"`
	UserID          uuid.UUID `json:"user_id"`
}

// UserVariable is a value an exercise service asked to remember for a learner.
type UserVariable struct {
	ExerciseServiceSlug string          `json:"exercise_service_slug"`
	VariableKey         string          `json:"variable_key"`
	VariableValue       json.RawMessage `json:"variable_value"`
}

// CourseMaterialExercise is everything the exercise block needs to render one exercise.
type CourseMaterialExercise struct {
	Exercise                                   Exercise          `json:"exercise"`
	CanPostSubmission                          bool              `json:"can_post_submission"`
	CurrentExerciseSlide                       ExerciseSlide     `json:"current_exercise_slide"`
	ExerciseStatus                             *ExerciseStatus   `json:"exercise_status"`
	ExerciseSlideSubmissionCounts              map[uuid.UUID]int `json:"exercise_slide_submission_counts"`
	PreviousExerciseSlideSubmission            *SlideSubmission  `json:"previous_exercise_slide_submission"`
	IsExam                                     bool              `json:"is_exam"`
	UserCourseInstanceExerciseServiceVariables []UserVariable    `json:"user_course_instance_exercise_service_variables"`
}

// Stage returns the reviewing stage, NotStarted when there is no status yet.
func (e CourseMaterialExercise) Stage() ReviewingStage {
	if e.ExerciseStatus == nil || e.ExerciseStatus.ReviewingStage == "" {
		return StageNotStarted
	}
	return e.ExerciseStatus.ReviewingStage
}

// TaskAnswer is one task's answer inside a slide submission.
type TaskAnswer struct {
	ExerciseTaskID uuid.UUID         `json:"exercise_task_id"`
	DataJSON       json.RawMessage   `json:"data_json"`
	Files          map[string]string `json:"files,omitempty"`
}

// StudentExerciseSlideSubmission is the body of a slide submit.
type StudentExerciseSlideSubmission struct {
	ExerciseSlideID         uuid.UUID    `json:"exercise_slide_id"`
	ExerciseTaskSubmissions []TaskAnswer `json:"exercise_task_submissions"`
}

// TaskSubmissionResult is the grading outcome of one task in a slide submit.
type TaskSubmissionResult struct {
	Submission                      TaskSubmission  `json:"submission"`
	Grading                         *Grading        `json:"grading"`
	ModelSolutionSpec               json.RawMessage `json:"model_solution_spec"`
	ExerciseTaskExerciseServiceSlug string          `json:"exercise_task_exercise_service_slug"`
}

// SubmissionResult is the response to a slide submit.
type SubmissionResult struct {
	ExerciseStatus                             *ExerciseStatus        `json:"exercise_status"`
	ExerciseTaskSubmissionResults              []TaskSubmissionResult `json:"exercise_task_submission_results"`
	UserCourseInstanceExerciseServiceVariables []UserVariable         `json:"user_course_instance_exercise_service_variables"`
}

// ExerciseImport is the on-disk format used to load exercises into the store.
type ExerciseImport struct {
	ID                 uuid.UUID           `json:"id"`
	Name               string              `json:"name"`
	ChapterID          *uuid.UUID          `json:"chapter_id"`
	Deadline           *time.Time          `json:"deadline"`
	ScoreMaximum       int                 `json:"score_maximum"`
	MaxTriesPerSlide   *int                `json:"max_tries_per_slide"`
	LimitNumberOfTries bool                `json:"limit_number_of_tries"`
	NeedsPeerReview    bool                `json:"needs_peer_review"`
	NeedsSelfReview    bool                `json:"needs_self_review"`
	IsExam             bool                `json:"is_exam"`
	SlideID            uuid.UUID           `json:"slide_id"`
	Tasks              []TaskImport        `json:"tasks"`
	Review             *ReviewConfigImport `json:"review"`
}

// TaskImport describes one task of an imported exercise.
type TaskImport struct {
	ID                  uuid.UUID       `json:"id"`
	ExerciseServiceSlug string          `json:"exercise_service_slug"`
	ExerciseIframeURL   string          `json:"exercise_iframe_url"`
	Assignment          json.RawMessage `json:"assignment"`
	PublicSpec          json.RawMessage `json:"public_spec"`
	PrivateSpec         json.RawMessage `json:"private_spec"`
	ModelSolutionSpec   json.RawMessage `json:"model_solution_spec"`
	OrderNumber         int             `json:"order_number"`
}

// ReviewConfigImport describes the peer/self review configuration of an imported exercise.
type ReviewConfigImport struct {
	ID                   uuid.UUID                  `json:"id"`
	PeerReviewsToGive    int                        `json:"peer_reviews_to_give"`
	PeerReviewsToReceive int                        `json:"peer_reviews_to_receive"`
	AcceptingThreshold   float32                    `json:"accepting_threshold"`
	ProcessingStrategy   ProcessingStrategy         `json:"processing_strategy"`
	ReviewInstructions   json.RawMessage            `json:"review_instructions"`
	Questions            []PeerOrSelfReviewQuestion `json:"questions"`
}

// StoredExercise is an exercise as kept in the store, with the fields the
// course-material API never sends.
type StoredExercise struct {
	Exercise
	IsExam  bool      `json:"is_exam"`
	SlideID uuid.UUID `json:"slide_id"`
}

// StoredTask is an exercise task as kept in the store. PrivateSpec never
// leaves the server.
type StoredTask struct {
	ID                  uuid.UUID       `json:"id"`
	ExerciseID          uuid.UUID       `json:"exercise_id"`
	ExerciseSlideID     uuid.UUID       `json:"exercise_slide_id"`
	ExerciseServiceSlug string          `json:"exercise_service_slug"`
	ExerciseIframeURL   string          `json:"exercise_iframe_url"`
	Assignment          json.RawMessage `json:"assignment"`
	PublicSpec          json.RawMessage `json:"public_spec"`
	PrivateSpec         json.RawMessage `json:"private_spec"`
	ModelSolutionSpec   json.RawMessage `json:"model_solution_spec"`
	OrderNumber         int             `json:"order_number"`
}

// UserExerciseState is one learner's standing on one exercise.
type UserExerciseState struct {
	UserID     uuid.UUID `json:"user_id"`
	ExerciseID uuid.UUID `json:"exercise_id"`
	ExerciseStatus
}

// GradedTaskSubmission is a task submission together with its grading, as
// stored by one slide submit.
type GradedTaskSubmission struct {
	Submission TaskSubmission
	Grading    *Grading
}

package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProcessingStrategy decides what happens once a learner has received enough reviews.
type ProcessingStrategy string

const (
	StrategyAutomaticallyGradeByAverage               ProcessingStrategy = "AutomaticallyGradeByAverage"
	StrategyAutomaticallyGradeOrManualReviewByAverage ProcessingStrategy = "AutomaticallyGradeOrManualReviewByAverage"
	StrategyManualReviewEverything                    ProcessingStrategy = "ManualReviewEverything"
)

// PeerOrSelfReviewConfig is the per-exercise review configuration.
type PeerOrSelfReviewConfig struct {
	ID                   uuid.UUID          `json:"id"`
	ExerciseID           *uuid.UUID         `json:"exercise_id"`
	PeerReviewsToGive    int                `json:"peer_reviews_to_give"`
	PeerReviewsToReceive int                `json:"peer_reviews_to_receive"`
	AcceptingThreshold   float32            `json:"accepting_threshold"`
	ProcessingStrategy   ProcessingStrategy `json:"processing_strategy"`
	ReviewInstructions   json.RawMessage    `json:"review_instructions"`
}

// QuestionType selects how a review question is answered.
type QuestionType string

const (
	QuestionEssay QuestionType = "Essay"
	QuestionScale QuestionType = "Scale"
)

// PeerOrSelfReviewQuestion is one question in a review form.
type PeerOrSelfReviewQuestion struct {
	ID                       uuid.UUID    `json:"id"`
	PeerOrSelfReviewConfigID uuid.UUID    `json:"peer_or_self_review_config_id"`
	OrderNumber              int          `json:"order_number"`
	Question                 string       `json:"question"`
	QuestionType             QuestionType `json:"question_type"`
	AnswerRequired           bool         `json:"answer_required"`
	Weight                   float32      `json:"weight"`
}

// PeerOrSelfReviewQuestionAnswer is a learner's in-progress answer to one question.
type PeerOrSelfReviewQuestionAnswer struct {
	PeerOrSelfReviewQuestionID uuid.UUID `json:"peer_or_self_review_question_id"`
	TextData                   *string   `json:"text_data"`
	NumberData                 *float32  `json:"number_data"`
}

// Empty reports whether the answer carries neither a number nor non-blank text.
func (a PeerOrSelfReviewQuestionAnswer) Empty() bool {
	return a.NumberData == nil && (a.TextData == nil || strings.TrimSpace(*a.TextData) == "")
}

// PeerOrSelfReviewQuestionSubmission is a stored answer to one question of a review.
type PeerOrSelfReviewQuestionSubmission struct {
	ID                           uuid.UUID `json:"id"`
	CreatedAt                    time.Time `json:"created_at"`
	PeerOrSelfReviewQuestionID   uuid.UUID `json:"peer_or_self_review_question_id"`
	PeerOrSelfReviewSubmissionID uuid.UUID `json:"peer_or_self_review_submission_id"`
	TextData                     *string   `json:"text_data"`
	NumberData                   *float32  `json:"number_data"`
}

// PeerOrSelfReviewSubmission is one completed review round by one reviewer.
type PeerOrSelfReviewSubmission struct {
	ID                        uuid.UUID `json:"id"`
	CreatedAt                 time.Time `json:"created_at"`
	UserID                    uuid.UUID `json:"user_id"`
	ExerciseID                uuid.UUID `json:"exercise_id"`
	PeerOrSelfReviewConfigID  uuid.UUID `json:"peer_or_self_review_config_id"`
	ExerciseSlideSubmissionID uuid.UUID `json:"exercise_slide_submission_id"`
}

// PeerOrSelfReviewsReceived is every review given to one slide submission.
type PeerOrSelfReviewsReceived struct {
	PeerOrSelfReviewQuestions           []PeerOrSelfReviewQuestion           `json:"peer_or_self_review_questions"`
	PeerOrSelfReviewQuestionSubmissions []PeerOrSelfReviewQuestionSubmission `json:"peer_or_self_review_question_submissions"`
	PeerOrSelfReviewSubmissions         []PeerOrSelfReviewSubmission         `json:"peer_or_self_review_submissions"`
}

// AnswerToReview is the submission a reviewer is asked to assess.
type AnswerToReview struct {
	ExerciseSlideSubmissionID   uuid.UUID      `json:"exercise_slide_submission_id"`
	CourseMaterialExerciseTasks []ExerciseTask `json:"course_material_exercise_tasks"`
}

// PeerOrSelfReviewData is what the review form renders. A nil AnswerToReview
// means nothing is available to review yet.
type PeerOrSelfReviewData struct {
	AnswerToReview            *AnswerToReview            `json:"answer_to_review"`
	PeerOrSelfReviewConfig    PeerOrSelfReviewConfig     `json:"peer_or_self_review_config"`
	PeerOrSelfReviewQuestions []PeerOrSelfReviewQuestion `json:"peer_or_self_review_questions"`
	NumPeerReviewsGiven       int                        `json:"num_peer_reviews_given"`
}

// PeerOrSelfReviewDataWithToken pairs review data with the token that authorizes answering it.
type PeerOrSelfReviewDataWithToken struct {
	CourseMaterialPeerOrSelfReviewData PeerOrSelfReviewData `json:"course_material_peer_or_self_review_data"`
	Token                              string               `json:"token"`
}

// PeerOrSelfReviewSubmissionRequest is the body of a review submit.
type PeerOrSelfReviewSubmissionRequest struct {
	ExerciseSlideSubmissionID uuid.UUID                        `json:"exercise_slide_submission_id"`
	PeerOrSelfReviewConfigID  uuid.UUID                        `json:"peer_or_self_review_config_id"`
	PeerReviewQuestionAnswers []PeerOrSelfReviewQuestionAnswer `json:"peer_review_question_answers"`
	Token                     string                           `json:"token"`
}

// ReportReason is why a reviewer flags an answer.
type ReportReason string

const (
	ReasonSpam           ReportReason = "flagging-reason-spam"
	ReasonHarmfulContent ReportReason = "flagging-reason-harmful-content"
	ReasonAiGenerated    ReportReason = "flagging-reason-ai-generated"
)

// Valid reports whether r is one of the known reasons.
func (r ReportReason) Valid() bool {
	switch r {
	case ReasonSpam, ReasonHarmfulContent, ReasonAiGenerated:
		return true
	}
	return false
}

// FlagAnswerRequest is the body of a flag submit.
type FlagAnswerRequest struct {
	SubmissionID             uuid.UUID    `json:"submission_id"`
	Reason                   ReportReason `json:"reason"`
	Description              string       `json:"description"`
	PeerOrSelfReviewConfigID uuid.UUID    `json:"peer_or_self_review_config_id"`
	Token                    string       `json:"token"`
}

// PeerReviewQueueEntry marks a learner's latest submission as ready to be
// peer reviewed. Learners enter the queue once they have given enough reviews.
type PeerReviewQueueEntry struct {
	UserID                    uuid.UUID `json:"user_id"`
	ExerciseID                uuid.UUID `json:"exercise_id"`
	ExerciseSlideSubmissionID uuid.UUID `json:"exercise_slide_submission_id"`
	PeerReviewPriority        int       `json:"peer_review_priority"`
	ReceivedEnoughPeerReviews bool      `json:"received_enough_peer_reviews"`
}

// FlaggedAnswer is a reviewer's report of an answer.
type FlaggedAnswer struct {
	ID                        uuid.UUID    `json:"id"`
	CreatedAt                 time.Time    `json:"created_at"`
	ExerciseSlideSubmissionID uuid.UUID    `json:"exercise_slide_submission_id"`
	FlaggedUser               uuid.UUID    `json:"flagged_user"`
	FlaggedBy                 uuid.UUID    `json:"flagged_by"`
	Reason                    ReportReason `json:"reason"`
	Description               string       `json:"description"`
}

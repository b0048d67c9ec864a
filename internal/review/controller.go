package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
	"github.com/pavelanni/coursematerial/internal/protocol"
	"github.com/pavelanni/coursematerial/internal/query"
)

// RefetchInterval keeps the review candidate from expiring while the form is open.
const RefetchInterval = 23 * time.Hour

var (
	ErrIncomplete           = errors.New("required review questions are unanswered")
	ErrNothingToReview      = errors.New("no answer to review")
	ErrInvalidReason        = errors.New("unknown flagging reason")
	ErrCannotRequestExtra   = errors.New("extra reviews can only be given while waiting for reviews")
	ErrDescriptionRequired  = errors.New("a description is required")
	ErrSubmissionInProgress = errors.New("a review submission is already in progress")
)

// FetchError is a failed review data load. The learner may retry it.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "load review data: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// Client is the part of the course-material API the review form uses.
type Client interface {
	FetchPeerOrSelfReviewData(ctx context.Context, exerciseID uuid.UUID) (model.PeerOrSelfReviewDataWithToken, error)
	PostPeerOrSelfReviewSubmission(ctx context.Context, exerciseID uuid.UUID, req model.PeerOrSelfReviewSubmissionRequest) error
	PostFlagAnswer(ctx context.Context, exerciseID uuid.UUID, req model.FlagAnswerRequest) error
}

// Parent is the exercise block that shows the review form.
type Parent interface {
	Refetch(ctx context.Context) error
	Stage() model.ReviewingStage
	SetStage(stage model.ReviewingStage)
}

// Scroller moves the learner's view to an anchor.
type Scroller interface {
	ScrollTo(ctx context.Context, anchor string)
}

// ExerciseAnchor is the anchor at the top of an exercise block.
func ExerciseAnchor(exerciseID uuid.UUID) string {
	return "exercise-" + exerciseID.String()
}

// ReviewAnchor is the anchor at the top of an exercise's review form.
func ReviewAnchor(exerciseID uuid.UUID) string {
	return exerciseID.String() + "-peer-review"
}

// Config configures a Controller.
type Config struct {
	ExerciseID   uuid.UUID
	Client       Client
	Parent       Parent
	Scroller     Scroller
	SelfReview   bool
	SignedIn     bool
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Controller drives the review form of one exercise for one learner.
type Controller struct {
	exerciseID uuid.UUID
	client     Client
	parent     Parent
	scroller   Scroller
	selfReview bool
	signedIn   bool
	logger     *slog.Logger

	data *query.Query[model.PeerOrSelfReviewDataWithToken]

	mu         sync.Mutex
	answers    *AnswerSet
	submitting bool
	// reviewing is the submission the answers were given for.
	reviewing uuid.UUID
}

// NewController creates a controller. Review data is loaded by Load.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("exercise_id", cfg.ExerciseID.String())
	interval := cfg.PollInterval
	if interval == 0 {
		interval = RefetchInterval
	}
	c := &Controller{
		exerciseID: cfg.ExerciseID,
		client:     cfg.Client,
		parent:     cfg.Parent,
		scroller:   cfg.Scroller,
		selfReview: cfg.SelfReview,
		signedIn:   cfg.SignedIn,
		logger:     logger,
		answers:    NewAnswerSet(),
	}
	c.data = query.New(func(ctx context.Context) (model.PeerOrSelfReviewDataWithToken, error) {
		return c.client.FetchPeerOrSelfReviewData(ctx, c.exerciseID)
	}, query.Options{Interval: interval, Name: "peer-review", Logger: logger})
	c.data.OnChange(c.dataChanged)
	return c
}

// dataChanged drops the answers once fresh data brings a different answer to
// review, as they were given for the previous one.
func (c *Controller) dataChanged(data model.PeerOrSelfReviewDataWithToken) {
	var id uuid.UUID
	if a := data.CourseMaterialPeerOrSelfReviewData.AnswerToReview; a != nil {
		id = a.ExerciseSlideSubmissionID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.reviewing {
		c.answers.Clear()
		c.reviewing = id
	}
}

// Load fetches the review data. Failures are returned as *FetchError.
func (c *Controller) Load(ctx context.Context) error {
	if _, err := c.data.Refetch(ctx); err != nil {
		return &FetchError{Err: err}
	}
	return nil
}

// Poll keeps the review data fresh until ctx is done.
func (c *Controller) Poll(ctx context.Context) {
	c.data.Poll(ctx)
}

// SelfReview reports whether the form is a self review.
func (c *Controller) SelfReview() bool { return c.selfReview }

// SetAnswer records the answer to one question.
func (c *Controller) SetAnswer(questionID uuid.UUID, a model.PeerOrSelfReviewQuestionAnswer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers.Set(questionID, a)
}

// CanSubmit reports whether the submit control should be enabled.
func (c *Controller) CanSubmit() bool {
	data, ok := c.data.Data()
	if !ok || data.CourseMaterialPeerOrSelfReviewData.AnswerToReview == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.submitting && c.answers.Valid(data.CourseMaterialPeerOrSelfReviewData.PeerOrSelfReviewQuestions)
}

// ReviewedTask is one task of the answer under review with the frame state
// that shows it.
type ReviewedTask struct {
	Task  model.ExerciseTask   `json:"task"`
	State protocol.IframeState `json:"state"`
}

// QuestionView is one question of the form with the current answer.
type QuestionView struct {
	Question model.PeerOrSelfReviewQuestion        `json:"question"`
	Answer   *model.PeerOrSelfReviewQuestionAnswer `json:"answer"`
}

// View is everything the review form renders.
type View struct {
	Loaded          bool            `json:"loaded"`
	Error           string          `json:"error,omitempty"`
	SelfReview      bool            `json:"self_review"`
	NothingToReview bool            `json:"nothing_to_review"`
	ReviewsGiven    int             `json:"reviews_given"`
	ReviewsToGive   int             `json:"reviews_to_give"`
	Instructions    json.RawMessage `json:"instructions,omitempty"`
	Tasks           []ReviewedTask  `json:"tasks"`
	Questions       []QuestionView  `json:"questions"`
	CanSubmit       bool            `json:"can_submit"`
}

// View returns the form as it should be rendered now.
func (c *Controller) View() View {
	v := View{SelfReview: c.selfReview}
	if err := c.data.Err(); err != nil {
		v.Error = (&FetchError{Err: err}).Error()
	}
	data, ok := c.data.Data()
	if !ok {
		return v
	}
	v.Loaded = true
	d := data.CourseMaterialPeerOrSelfReviewData
	v.ReviewsGiven = d.NumPeerReviewsGiven
	v.ReviewsToGive = d.PeerOrSelfReviewConfig.PeerReviewsToGive
	v.Instructions = d.PeerOrSelfReviewConfig.ReviewInstructions
	if d.AnswerToReview == nil {
		v.NothingToReview = true
		return v
	}

	tasks := append([]model.ExerciseTask{}, d.AnswerToReview.CourseMaterialExerciseTasks...)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].OrderNumber < tasks[j].OrderNumber })
	for _, task := range tasks {
		v.Tasks = append(v.Tasks, ReviewedTask{Task: task, State: c.reviewedState(task)})
	}

	questions := append([]model.PeerOrSelfReviewQuestion{}, d.PeerOrSelfReviewQuestions...)
	sort.SliceStable(questions, func(i, j int) bool { return questions[i].OrderNumber < questions[j].OrderNumber })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range questions {
		qv := QuestionView{Question: q}
		if a, ok := c.answers.Get(q.ID); ok {
			qv.Answer = &a
		}
		v.Questions = append(v.Questions, qv)
	}
	v.CanSubmit = !c.submitting && c.answers.Valid(questions)
	return v
}

// reviewedState shows a reviewed answer. The reviewee's user variables are
// never passed to the reviewer.
func (c *Controller) reviewedState(task model.ExerciseTask) protocol.IframeState {
	info := protocol.UserInformation{SignedIn: c.signedIn}
	if task.PseudonymousUserID != nil {
		info.PseudonymousID = task.PseudonymousUserID.String()
	}
	var answer json.RawMessage
	if task.PreviousSubmission != nil {
		answer = task.PreviousSubmission.DataJSON
	}
	return protocol.IframeState{
		ExerciseTaskID:  task.ID,
		UserInformation: info,
		UserVariables:   map[string]json.RawMessage{},
		Data: protocol.ViewSubmissionData{
			Grading:           task.PreviousSubmissionGrading,
			UserAnswer:        answer,
			PublicSpec:        task.PublicSpec,
			ModelSolutionSpec: task.ModelSolutionSpec,
		},
	}
}

// Submit sends the review. On failure the answers are kept so the learner can
// retry. On success, when the learner has now given enough reviews, the parent
// exercise is refetched and scrolled to before the review data is refetched;
// otherwise only the review data is refetched and the form is scrolled to.
func (c *Controller) Submit(ctx context.Context) error {
	data, ok := c.data.Data()
	d := data.CourseMaterialPeerOrSelfReviewData
	if !ok || d.AnswerToReview == nil || data.Token == "" {
		return ErrNothingToReview
	}

	c.mu.Lock()
	if c.submitting {
		c.mu.Unlock()
		return ErrSubmissionInProgress
	}
	if !c.answers.Valid(d.PeerOrSelfReviewQuestions) {
		c.mu.Unlock()
		return ErrIncomplete
	}
	req := model.PeerOrSelfReviewSubmissionRequest{
		ExerciseSlideSubmissionID: d.AnswerToReview.ExerciseSlideSubmissionID,
		PeerOrSelfReviewConfigID:  d.PeerOrSelfReviewConfig.ID,
		PeerReviewQuestionAnswers: c.answers.List(d.PeerOrSelfReviewQuestions),
		Token:                     data.Token,
	}
	c.submitting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
	}()

	if err := c.client.PostPeerOrSelfReviewSubmission(ctx, c.exerciseID, req); err != nil {
		return fmt.Errorf("submit review: %w", err)
	}

	// Counted from the data fetched before this submission.
	givenEnough := c.selfReview || d.PeerOrSelfReviewConfig.PeerReviewsToGive <= d.NumPeerReviewsGiven+1
	if givenEnough {
		if c.parent != nil {
			if err := c.parent.Refetch(ctx); err != nil {
				c.logger.Warn("refetch exercise after review", "error", err)
			}
		}
		c.scroll(ctx, ExerciseAnchor(c.exerciseID))
	}
	if _, err := c.data.Refetch(ctx); err != nil {
		c.logger.Warn("refetch review data after review", "error", err)
	}
	if !givenEnough {
		c.scroll(ctx, ReviewAnchor(c.exerciseID))
	}

	c.mu.Lock()
	c.answers.Clear()
	c.mu.Unlock()
	return nil
}

// Flag reports the answer under review and skips it.
func (c *Controller) Flag(ctx context.Context, reason model.ReportReason, description string) error {
	if !reason.Valid() {
		return ErrInvalidReason
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return ErrDescriptionRequired
	}
	data, ok := c.data.Data()
	d := data.CourseMaterialPeerOrSelfReviewData
	if !ok || d.AnswerToReview == nil || data.Token == "" {
		return ErrNothingToReview
	}
	req := model.FlagAnswerRequest{
		SubmissionID:             d.AnswerToReview.ExerciseSlideSubmissionID,
		Reason:                   reason,
		Description:              description,
		PeerOrSelfReviewConfigID: d.PeerOrSelfReviewConfig.ID,
		Token:                    data.Token,
	}
	if err := c.client.PostFlagAnswer(ctx, c.exerciseID, req); err != nil {
		return fmt.Errorf("flag answer: %w", err)
	}

	c.mu.Lock()
	c.answers.Clear()
	c.mu.Unlock()
	if err := c.Load(ctx); err != nil {
		c.logger.Warn("refetch review data after flagging", "error", err)
	}
	return nil
}

// RequestExtraReview lets a learner who is waiting for reviews give another
// one. The stage is switched locally right away and restored if the review
// data cannot be loaded.
func (c *Controller) RequestExtraReview(ctx context.Context) error {
	if c.parent == nil {
		return ErrCannotRequestExtra
	}
	prev := c.parent.Stage()
	if prev != model.StageWaitingForPeerReviews {
		return ErrCannotRequestExtra
	}
	c.parent.SetStage(model.StagePeerReview)
	if err := c.Load(ctx); err != nil {
		c.parent.SetStage(prev)
		return err
	}
	return nil
}

func (c *Controller) scroll(ctx context.Context, anchor string) {
	if c.scroller != nil {
		c.scroller.ScrollTo(ctx, anchor)
	}
}

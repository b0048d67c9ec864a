// Package course is the in-process course-material service. It answers the
// same calls as the remote course-material API, acting for one learner at a
// time, on top of the sqlite store.
package course

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/backend"
	"github.com/pavelanni/coursematerial/internal/grading"
	"github.com/pavelanni/coursematerial/internal/model"
	"github.com/pavelanni/coursematerial/internal/store"
)

// rejection is a request refused in the learner's current state. Its text is
// shown to the learner as is.
type rejection string

func (r rejection) Error() string { return string(r) }

func (r rejection) Is(target error) bool { return target == backend.ErrPreconditionFailed }

const (
	errDeadlinePassed   rejection = "The deadline for this exercise has passed."
	errOutOfTries       rejection = "You have run out of tries."
	errLockedForReview  rejection = "Your answer is locked for review."
	errWrongSlide       rejection = "The submission is for another exercise slide."
	errUnknownTask      rejection = "The submission contains an answer to an unknown task."
	errNoSubmission     rejection = "You need to submit an answer before reviewing."
	errNoReviewConfig   rejection = "This exercise has no review configuration."
	errCannotStart      rejection = "Reviewing cannot be started now."
	errNotReviewing     rejection = "You are not reviewing this exercise."
	errSelfNotAllowed   rejection = "Self review not allowed."
	errPeerNotAllowed   rejection = "Peer review not allowed."
	errAlreadyReviewed  rejection = "You have already reviewed this answer."
	errRequiredAnswers  rejection = "All required questions need to be answered."
	errTooManyReviews   rejection = "You have given too many peer reviews to this exercise."
	errTooFast          rejection = "You are submitting too fast. Try again later."
	errConfigMismatch   rejection = "The review configuration has changed. Reload the page."
	errInvalidReason    rejection = "Unknown flagging reason."
	errNoDescription    rejection = "A description is required."
	errFlagOwn          rejection = "You cannot flag your own answer."
	errAlreadyFlagged   rejection = "You have already flagged this answer."
	errSubmissionOrigin rejection = "The answer does not belong to this exercise."
)

// Config configures a Service.
type Config struct {
	Store  *store.Store
	Grader grading.Grader
	Tokens *TokenSigner
	Now    func() time.Time
	Logger *slog.Logger
}

// Service is the course-material service over the store.
type Service struct {
	store  *store.Store
	grader grading.Grader
	tokens *TokenSigner
	now    func() time.Time
	logger *slog.Logger

	// mu serializes writes so rate limits and counters are checked against
	// what was committed.
	mu sync.Mutex
}

// New creates a Service. A nil grader grades every task with grading.Exact.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("course service needs a store")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("course service needs a token signer")
	}
	s := &Service{
		store:  cfg.Store,
		grader: cfg.Grader,
		tokens: cfg.Tokens,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
	if s.grader == nil {
		s.grader = grading.Exact{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// ForUser returns a client acting as userID.
func (s *Service) ForUser(userID uuid.UUID) backend.Client {
	return &client{s: s, userID: userID}
}

type client struct {
	s      *Service
	userID uuid.UUID
}

var _ backend.Client = (*client)(nil)

// PseudonymousID is the id an exercise service sees for a learner on one
// task. It is stable but differs between tasks.
func PseudonymousID(taskID, userID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(taskID, userID[:])
}

func (s *Service) exercise(id uuid.UUID) (*model.StoredExercise, error) {
	ex, err := s.store.GetExercise(id)
	if err != nil {
		return nil, fmt.Errorf("get exercise: %w", err)
	}
	if ex == nil {
		return nil, fmt.Errorf("exercise %s: %w", id, backend.ErrNotFound)
	}
	return ex, nil
}

// state returns a learner's state on an exercise, defaulted when the learner
// has never touched it.
func (s *Service) state(userID, exerciseID uuid.UUID) (model.UserExerciseState, error) {
	st, err := s.store.GetUserExerciseState(userID, exerciseID)
	if err != nil {
		return model.UserExerciseState{}, fmt.Errorf("get exercise state: %w", err)
	}
	if st == nil {
		return model.UserExerciseState{
			UserID:     userID,
			ExerciseID: exerciseID,
			ExerciseStatus: model.ExerciseStatus{
				ActivityProgress: model.ActivityInitialized,
				GradingProgress:  model.GradingNotReady,
				ReviewingStage:   model.StageNotStarted,
			},
		}, nil
	}
	if st.ReviewingStage == "" {
		st.ReviewingStage = model.StageNotStarted
	}
	return *st, nil
}

// canSubmit reports whether a learner may submit again, and why not.
func (s *Service) canSubmit(ex *model.StoredExercise, st model.UserExerciseState, tries int) error {
	if ex.Deadline != nil && s.now().After(*ex.Deadline) {
		return errDeadlinePassed
	}
	if st.ReviewingStage != model.StageNotStarted {
		return errLockedForReview
	}
	if ex.LimitNumberOfTries && ex.MaxTriesPerSlide != nil && tries >= *ex.MaxTriesPerSlide {
		return errOutOfTries
	}
	return nil
}

// showModelSolution reports whether model solutions may be disclosed: only
// once the learner has full points or has used the last try.
func showModelSolution(ex *model.StoredExercise, st model.ExerciseStatus, tries int) bool {
	outOfTries := ex.LimitNumberOfTries && ex.MaxTriesPerSlide != nil && tries >= *ex.MaxTriesPerSlide
	var score float64
	if st.ScoreGiven != nil {
		score = float64(*st.ScoreGiven)
	}
	maximum := float64(ex.ScoreMaximum)
	fullPoints := score >= maximum || math.Abs(score-maximum) < 0.0001
	return outOfTries || fullPoints
}

func (c *client) FetchExercise(_ context.Context, exerciseID uuid.UUID) (model.CourseMaterialExercise, error) {
	s := c.s
	ex, err := s.exercise(exerciseID)
	if err != nil {
		return model.CourseMaterialExercise{}, err
	}
	tasks, err := s.store.ListTasks(ex.SlideID)
	if err != nil {
		return model.CourseMaterialExercise{}, fmt.Errorf("list tasks: %w", err)
	}
	st, err := s.state(c.userID, ex.ID)
	if err != nil {
		return model.CourseMaterialExercise{}, err
	}
	tries, err := s.store.CountSlideSubmissions(ex.SlideID, c.userID)
	if err != nil {
		return model.CourseMaterialExercise{}, fmt.Errorf("count submissions: %w", err)
	}
	latest, err := s.store.LatestSlideSubmission(ex.ID, c.userID)
	if err != nil {
		return model.CourseMaterialExercise{}, fmt.Errorf("latest submission: %w", err)
	}
	byTask := map[uuid.UUID]model.GradedTaskSubmission{}
	if latest != nil {
		graded, err := s.store.ListGradedTaskSubmissions(latest.ID)
		if err != nil {
			return model.CourseMaterialExercise{}, fmt.Errorf("list task submissions: %w", err)
		}
		for _, g := range graded {
			byTask[g.Submission.ExerciseTaskID] = g
		}
	}
	vars, err := s.store.ListUserVariables(c.userID)
	if err != nil {
		return model.CourseMaterialExercise{}, fmt.Errorf("list user variables: %w", err)
	}

	out := model.CourseMaterialExercise{
		Exercise:          ex.Exercise,
		CanPostSubmission: s.canSubmit(ex, st, tries) == nil,
		CurrentExerciseSlide: model.ExerciseSlide{
			ID:            ex.SlideID,
			ExerciseTasks: make([]model.ExerciseTask, 0, len(tasks)),
		},
		ExerciseSlideSubmissionCounts:              map[uuid.UUID]int{ex.SlideID: tries},
		PreviousExerciseSlideSubmission:            latest,
		IsExam:                                     ex.IsExam,
		UserCourseInstanceExerciseServiceVariables: vars,
	}
	status := st.ExerciseStatus
	if ex.IsExam {
		status.ScoreGiven = nil
	}
	out.ExerciseStatus = &status
	disclose := !ex.IsExam && showModelSolution(ex, st.ExerciseStatus, tries)

	for _, t := range tasks {
		task := courseMaterialTask(t)
		pid := PseudonymousID(t.ID, c.userID)
		task.PseudonymousUserID = &pid
		if g, ok := byTask[t.ID]; ok {
			sub := g.Submission
			task.PreviousSubmission = &sub
			if !ex.IsExam {
				task.PreviousSubmissionGrading = g.Grading
			}
			if disclose {
				task.ModelSolutionSpec = t.ModelSolutionSpec
			}
		}
		out.CurrentExerciseSlide.ExerciseTasks = append(out.CurrentExerciseSlide.ExerciseTasks, task)
	}
	return out, nil
}

// courseMaterialTask is the learner-facing part of a task. The private spec
// never leaves the server.
func courseMaterialTask(t model.StoredTask) model.ExerciseTask {
	return model.ExerciseTask{
		ID:                  t.ID,
		ExerciseServiceSlug: t.ExerciseServiceSlug,
		ExerciseSlideID:     t.ExerciseSlideID,
		ExerciseIframeURL:   t.ExerciseIframeURL,
		Assignment:          t.Assignment,
		PublicSpec:          t.PublicSpec,
		OrderNumber:         t.OrderNumber,
	}
}

func (c *client) PostSubmission(ctx context.Context, exerciseID uuid.UUID, sub model.StudentExerciseSlideSubmission) (model.SubmissionResult, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, err := s.exercise(exerciseID)
	if err != nil {
		return model.SubmissionResult{}, err
	}
	if sub.ExerciseSlideID != ex.SlideID {
		return model.SubmissionResult{}, errWrongSlide
	}
	st, err := s.state(c.userID, ex.ID)
	if err != nil {
		return model.SubmissionResult{}, err
	}
	tries, err := s.store.CountSlideSubmissions(ex.SlideID, c.userID)
	if err != nil {
		return model.SubmissionResult{}, fmt.Errorf("count submissions: %w", err)
	}
	if err := s.canSubmit(ex, st, tries); err != nil {
		return model.SubmissionResult{}, err
	}
	tasks, err := s.store.ListTasks(ex.SlideID)
	if err != nil {
		return model.SubmissionResult{}, fmt.Errorf("list tasks: %w", err)
	}
	byID := make(map[uuid.UUID]model.StoredTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	graded := make([]model.GradedTaskSubmission, 0, len(sub.ExerciseTaskSubmissions))
	for _, a := range sub.ExerciseTaskSubmissions {
		t, ok := byID[a.ExerciseTaskID]
		if !ok {
			return model.SubmissionResult{}, errUnknownTask
		}
		res, gerr := s.grader.Grade(ctx, grading.Task{
			ExerciseServiceSlug: t.ExerciseServiceSlug,
			Assignment:          t.Assignment,
			PublicSpec:          t.PublicSpec,
			PrivateSpec:         t.PrivateSpec,
			ModelSolutionSpec:   t.ModelSolutionSpec,
			Answer:              a.DataJSON,
			ScoreMaximum:        ex.ScoreMaximum,
		})
		graded = append(graded, model.GradedTaskSubmission{
			Submission: model.TaskSubmission{ExerciseTaskID: t.ID, DataJSON: a.DataJSON, Files: a.Files},
			Grading:    grading.ToGrading(res, gerr, ex.ScoreMaximum),
		})
	}

	slide, stored, err := s.store.CreateSlideSubmission(model.SlideSubmission{
		CreatedAt:       s.now().UTC(),
		ExerciseSlideID: ex.SlideID,
		ExerciseID:      ex.ID,
		UserID:          c.userID,
	}, graded)
	if err != nil {
		return model.SubmissionResult{}, fmt.Errorf("store submission: %w", err)
	}

	var setVars []model.UserVariable
	for i, g := range stored {
		slug := byID[g.Submission.ExerciseTaskID].ExerciseServiceSlug
		setVars = append(setVars, userVariables(slug, graded[i].Grading.SetUserVariables)...)
	}
	if err := s.store.SetUserVariables(c.userID, setVars); err != nil {
		return model.SubmissionResult{}, fmt.Errorf("store user variables: %w", err)
	}

	score, progress := summarize(stored)
	st.ActivityProgress = model.ActivitySubmitted
	st.GradingProgress = progress
	if !ex.NeedsPeerReview && !ex.NeedsSelfReview {
		if progress == model.GradingFullyGraded {
			st.ActivityProgress = model.ActivityCompleted
		}
		st.ScoreGiven = best(st.ScoreGiven, score)
	}
	if err := s.store.UpsertUserExerciseState(st); err != nil {
		return model.SubmissionResult{}, fmt.Errorf("store exercise state: %w", err)
	}
	s.logger.Info("slide submitted",
		"exercise_id", ex.ID.String(),
		"slide_submission_id", slide.ID.String(),
		"grading_progress", progress,
	)

	vars, err := s.store.ListUserVariables(c.userID)
	if err != nil {
		return model.SubmissionResult{}, fmt.Errorf("list user variables: %w", err)
	}
	status := st.ExerciseStatus
	if ex.IsExam {
		status.ScoreGiven = nil
	}
	out := model.SubmissionResult{
		ExerciseStatus: &status,
		UserCourseInstanceExerciseServiceVariables: vars,
	}
	disclose := !ex.IsExam && showModelSolution(ex, st.ExerciseStatus, tries+1)
	sort.SliceStable(stored, func(i, j int) bool {
		return byID[stored[i].Submission.ExerciseTaskID].OrderNumber < byID[stored[j].Submission.ExerciseTaskID].OrderNumber
	})
	for _, g := range stored {
		t := byID[g.Submission.ExerciseTaskID]
		r := model.TaskSubmissionResult{
			Submission:                      g.Submission,
			ExerciseTaskExerciseServiceSlug: t.ExerciseServiceSlug,
		}
		if !ex.IsExam {
			r.Grading = g.Grading
		}
		if disclose {
			r.ModelSolutionSpec = t.ModelSolutionSpec
		}
		out.ExerciseTaskSubmissionResults = append(out.ExerciseTaskSubmissionResults, r)
	}
	return out, nil
}

func userVariables(slug string, set map[string]json.RawMessage) []model.UserVariable {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vars := make([]model.UserVariable, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, model.UserVariable{ExerciseServiceSlug: slug, VariableKey: k, VariableValue: set[k]})
	}
	return vars
}

// summarize averages the task scores of a slide submission and reports the
// least finished grading progress among its tasks.
func summarize(graded []model.GradedTaskSubmission) (*float32, model.GradingProgress) {
	rank := map[model.GradingProgress]int{
		model.GradingFullyGraded:   0,
		model.GradingNotReady:      1,
		model.GradingPending:       2,
		model.GradingPendingManual: 3,
		model.GradingFailed:        4,
	}
	progress := model.GradingFullyGraded
	var sum float32
	var n int
	for _, g := range graded {
		if g.Grading == nil {
			if rank[model.GradingNotReady] > rank[progress] {
				progress = model.GradingNotReady
			}
			continue
		}
		if rank[g.Grading.GradingProgress] > rank[progress] {
			progress = g.Grading.GradingProgress
		}
		if g.Grading.ScoreGiven != nil {
			sum += *g.Grading.ScoreGiven
			n++
		}
	}
	if n == 0 {
		return nil, progress
	}
	avg := sum / float32(n)
	return &avg, progress
}

// best keeps the higher of two scores.
func best(prev, next *float32) *float32 {
	if prev == nil {
		return next
	}
	if next == nil || *prev >= *next {
		return prev
	}
	return next
}

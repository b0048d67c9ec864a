package course

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/backend"
	"github.com/pavelanni/coursematerial/internal/model"
	"github.com/pavelanni/coursematerial/internal/review"
)

const (
	// OfferedAnswerTTL is how long the same answer is offered to a reviewer
	// who reloads the review form.
	OfferedAnswerTTL = time.Hour

	// queueSampleSize is how many queued answers the next one is drawn from.
	queueSampleSize = 10

	// A learner may give at most maxReviewsFactor times the required number
	// of peer reviews. Past suspiciousFactor times the required number (and
	// at least minSuspiciousReviews), every further review has to wait
	// reviewCooldownStep for each review over the threshold, up to
	// maxCooldownSteps steps, after the previous one.
	maxReviewsFactor     = 15
	suspiciousFactor     = 2
	minSuspiciousReviews = 4
	reviewCooldownStep   = 30 * time.Second
	maxCooldownSteps     = 10
)

// reviewSetup loads the exercise and its review config.
func (s *Service) reviewSetup(exerciseID uuid.UUID) (*model.StoredExercise, *model.PeerOrSelfReviewConfig, []model.PeerOrSelfReviewQuestion, error) {
	ex, err := s.exercise(exerciseID)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := s.store.GetReviewConfig(ex.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("get review config: %w", err)
	}
	if cfg == nil {
		return nil, nil, nil, fmt.Errorf("review config of exercise %s: %w", ex.ID, backend.ErrNotFound)
	}
	questions, err := s.store.ListReviewQuestions(cfg.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list review questions: %w", err)
	}
	return ex, cfg, questions, nil
}

func (c *client) PostStartPeerOrSelfReview(_ context.Context, exerciseID uuid.UUID) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, err := s.exercise(exerciseID)
	if err != nil {
		return err
	}
	cfg, err := s.store.GetReviewConfig(ex.ID)
	if err != nil {
		return fmt.Errorf("get review config: %w", err)
	}
	if cfg == nil {
		return errNoReviewConfig
	}
	latest, err := s.store.LatestSlideSubmission(ex.ID, c.userID)
	if err != nil {
		return fmt.Errorf("latest submission: %w", err)
	}
	if latest == nil {
		return errNoSubmission
	}
	st, err := s.state(c.userID, ex.ID)
	if err != nil {
		return err
	}
	stage, err := review.Start(st.ReviewingStage, ex.NeedsPeerReview, ex.NeedsSelfReview)
	if err != nil {
		return errCannotStart
	}
	st.ReviewingStage = stage
	if err := s.store.UpsertUserExerciseState(st); err != nil {
		return fmt.Errorf("store exercise state: %w", err)
	}
	s.logger.Info("review started", "exercise_id", ex.ID.String(), "reviewing_stage", stage)
	return s.advance(ex, cfg, c.userID)
}

func (c *client) FetchPeerOrSelfReviewData(_ context.Context, exerciseID uuid.UUID) (model.PeerOrSelfReviewDataWithToken, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, cfg, questions, err := s.reviewSetup(exerciseID)
	if err != nil {
		return model.PeerOrSelfReviewDataWithToken{}, err
	}
	st, err := s.state(c.userID, ex.ID)
	if err != nil {
		return model.PeerOrSelfReviewDataWithToken{}, err
	}
	given, err := s.store.CountPeerReviewsGiven(c.userID, ex.ID)
	if err != nil {
		return model.PeerOrSelfReviewDataWithToken{}, fmt.Errorf("count reviews given: %w", err)
	}

	var sub *model.SlideSubmission
	switch {
	case ex.NeedsSelfReview && st.ReviewingStage == model.StageSelfReview:
		sub, err = s.store.LatestSlideSubmission(ex.ID, c.userID)
	case ex.NeedsPeerReview && st.ReviewingStage != model.StageNotStarted:
		sub, err = s.selectAnswer(ex.ID, c.userID)
	default:
		return model.PeerOrSelfReviewDataWithToken{}, errNotReviewing
	}
	if err != nil {
		return model.PeerOrSelfReviewDataWithToken{}, err
	}

	out := model.PeerOrSelfReviewDataWithToken{
		CourseMaterialPeerOrSelfReviewData: model.PeerOrSelfReviewData{
			PeerOrSelfReviewConfig:    *cfg,
			PeerOrSelfReviewQuestions: questions,
			NumPeerReviewsGiven:       given,
		},
	}
	if sub == nil {
		return out, nil
	}
	answer, err := s.answerToReview(ex, sub)
	if err != nil {
		return model.PeerOrSelfReviewDataWithToken{}, err
	}
	out.CourseMaterialPeerOrSelfReviewData.AnswerToReview = answer
	out.Token, err = s.tokens.Sign(TokenFor{
		UserID:            c.userID,
		ExerciseID:        ex.ID,
		SlideSubmissionID: sub.ID,
		ConfigID:          cfg.ID,
	})
	if err != nil {
		return model.PeerOrSelfReviewDataWithToken{}, err
	}
	return out, nil
}

// selectAnswer picks the answer a learner should peer review next. An answer
// offered within OfferedAnswerTTL is offered again. Otherwise a queued answer
// still short of reviews is preferred over any queued answer, and a queued
// answer over any other submission. Answers the learner already reviewed or
// flagged are never offered. Nil means there is nothing to review.
func (s *Service) selectAnswer(exerciseID, userID uuid.UUID) (*model.SlideSubmission, error) {
	now := s.now().UTC()
	excluded, err := s.store.ExcludedFromReview(userID, exerciseID)
	if err != nil {
		return nil, fmt.Errorf("list reviewed answers: %w", err)
	}
	skip := make(map[uuid.UUID]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}

	offered, err := s.store.OfferedAnswer(exerciseID, userID, now.Add(-OfferedAnswerTTL))
	if err != nil {
		return nil, fmt.Errorf("get offered answer: %w", err)
	}
	if offered != nil && !skip[*offered] {
		sub, err := s.store.GetSlideSubmission(*offered)
		if err != nil {
			return nil, fmt.Errorf("get offered answer: %w", err)
		}
		if sub != nil {
			return sub, nil
		}
	}

	for _, needingReviews := range []bool{true, false} {
		candidates, err := s.store.QueueCandidates(exerciseID, userID, excluded, needingReviews, queueSampleSize)
		if err != nil {
			return nil, fmt.Errorf("list review candidates: %w", err)
		}
		if len(candidates) == 0 {
			continue
		}
		rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
		pick := candidates[0].ExerciseSlideSubmissionID
		if err := s.store.SaveOfferedAnswer(exerciseID, userID, pick, now); err != nil {
			return nil, fmt.Errorf("save offered answer: %w", err)
		}
		return s.store.GetSlideSubmission(pick)
	}

	// Nobody has finished reviewing yet. Fall back to any answer, without
	// remembering the offer.
	sub, err := s.store.RandomSlideSubmission(exerciseID, userID, excluded)
	if err != nil {
		return nil, fmt.Errorf("pick random answer: %w", err)
	}
	return sub, nil
}

// answerToReview shows a submission to its reviewer. Gradings and the
// author's pseudonymous ids are left out.
func (s *Service) answerToReview(ex *model.StoredExercise, sub *model.SlideSubmission) (*model.AnswerToReview, error) {
	tasks, err := s.store.ListTasks(sub.ExerciseSlideID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	graded, err := s.store.ListGradedTaskSubmissions(sub.ID)
	if err != nil {
		return nil, fmt.Errorf("list task submissions: %w", err)
	}
	answers := make(map[uuid.UUID]model.TaskSubmission, len(graded))
	for _, g := range graded {
		answers[g.Submission.ExerciseTaskID] = g.Submission
	}
	out := &model.AnswerToReview{
		ExerciseSlideSubmissionID:   sub.ID,
		CourseMaterialExerciseTasks: make([]model.ExerciseTask, 0, len(tasks)),
	}
	for _, t := range tasks {
		task := courseMaterialTask(t)
		if !ex.IsExam {
			task.ModelSolutionSpec = t.ModelSolutionSpec
		}
		if a, ok := answers[t.ID]; ok {
			task.PreviousSubmission = &a
		}
		out.CourseMaterialExerciseTasks = append(out.CourseMaterialExerciseTasks, task)
	}
	return out, nil
}

func (c *client) PostPeerOrSelfReviewSubmission(_ context.Context, exerciseID uuid.UUID, req model.PeerOrSelfReviewSubmissionRequest) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, cfg, questions, err := s.reviewSetup(exerciseID)
	if err != nil {
		return err
	}
	if req.PeerOrSelfReviewConfigID != cfg.ID {
		return errConfigMismatch
	}
	if err := s.tokens.Verify(req.Token, TokenFor{
		UserID:            c.userID,
		ExerciseID:        ex.ID,
		SlideSubmissionID: req.ExerciseSlideSubmissionID,
		ConfigID:          cfg.ID,
	}); err != nil {
		return err
	}
	sub, err := s.store.GetSlideSubmission(req.ExerciseSlideSubmissionID)
	if err != nil {
		return fmt.Errorf("get reviewed answer: %w", err)
	}
	if sub == nil {
		return fmt.Errorf("slide submission %s: %w", req.ExerciseSlideSubmissionID, backend.ErrNotFound)
	}
	if sub.ExerciseID != ex.ID {
		return errSubmissionOrigin
	}
	st, err := s.state(c.userID, ex.ID)
	if err != nil {
		return err
	}

	self := sub.UserID == c.userID
	if self && !(ex.NeedsSelfReview && st.ReviewingStage == model.StageSelfReview) {
		return errSelfNotAllowed
	}
	if !self && !(ex.NeedsPeerReview && st.ReviewingStage != model.StageNotStarted) {
		return errPeerNotAllowed
	}
	reviewed, err := s.store.HasReviewed(c.userID, sub.ID)
	if err != nil {
		return fmt.Errorf("check earlier review: %w", err)
	}
	if reviewed {
		return errAlreadyReviewed
	}

	answers := review.NewAnswerSet()
	known := make(map[uuid.UUID]bool, len(questions))
	for _, q := range questions {
		known[q.ID] = true
	}
	for _, a := range req.PeerReviewQuestionAnswers {
		if known[a.PeerOrSelfReviewQuestionID] {
			answers.Set(a.PeerOrSelfReviewQuestionID, a)
		}
	}
	if !answers.Valid(questions) {
		return errRequiredAnswers
	}

	now := s.now().UTC()
	given := 0
	if !self {
		before, err := s.store.CountPeerReviewsGiven(c.userID, ex.ID)
		if err != nil {
			return fmt.Errorf("count reviews given: %w", err)
		}
		given = before + 1
		if err := s.checkReviewRate(c.userID, cfg.PeerReviewsToGive, given, now); err != nil {
			s.logger.Warn("peer review rejected",
				"exercise_id", ex.ID.String(),
				"reviews_given", given,
				"error", err,
			)
			return err
		}
	}

	if _, err := s.store.CreateReviewSubmission(model.PeerOrSelfReviewSubmission{
		CreatedAt:                 now,
		UserID:                    c.userID,
		ExerciseID:                ex.ID,
		PeerOrSelfReviewConfigID:  cfg.ID,
		ExerciseSlideSubmissionID: sub.ID,
	}, answers.List(questions)); err != nil {
		return fmt.Errorf("store review: %w", err)
	}

	if !self && given >= cfg.PeerReviewsToGive {
		if err := s.enqueue(ex.ID, cfg, c.userID, given); err != nil {
			return err
		}
	}
	if err := s.advance(ex, cfg, c.userID); err != nil {
		return err
	}
	if self {
		return nil
	}

	entry, err := s.store.QueueEntryForSubmission(sub.ID)
	if err != nil {
		return fmt.Errorf("get queue entry: %w", err)
	}
	if entry == nil || entry.UserID == c.userID {
		return nil
	}
	received, err := s.store.CountPeerReviewsReceived(sub.ID)
	if err != nil {
		return fmt.Errorf("count reviews received: %w", err)
	}
	if received < cfg.PeerReviewsToReceive {
		return nil
	}
	if err := s.store.MarkReceivedEnough(sub.ID); err != nil {
		return fmt.Errorf("mark received enough: %w", err)
	}
	return s.advance(ex, cfg, entry.UserID)
}

// checkReviewRate refuses a learner's given-th peer review when they have
// given far more than required or are giving them too quickly.
func (s *Service) checkReviewRate(userID uuid.UUID, toGive, given int, now time.Time) error {
	required := max(toGive, 1)
	if given > required*maxReviewsFactor {
		return errTooManyReviews
	}
	suspicious := max(required*suspiciousFactor, minSuspiciousReviews)
	if given <= suspicious {
		return nil
	}
	steps := min(max(given-suspicious, 1), maxCooldownSteps)
	last, err := s.store.LastPeerReviewTime(userID)
	if err != nil {
		return fmt.Errorf("last review time: %w", err)
	}
	if !last.IsZero() && now.Add(-time.Duration(steps)*reviewCooldownStep).Before(last) {
		return errTooFast
	}
	return nil
}

// enqueue puts a learner who has given enough reviews in the queue of answers
// to review, ranked by how many reviews they gave.
func (s *Service) enqueue(exerciseID uuid.UUID, cfg *model.PeerOrSelfReviewConfig, userID uuid.UUID, given int) error {
	latest, err := s.store.LatestSlideSubmission(exerciseID, userID)
	if err != nil {
		return fmt.Errorf("latest submission: %w", err)
	}
	if latest == nil {
		return nil
	}
	received, err := s.store.CountPeerReviewsReceived(latest.ID)
	if err != nil {
		return fmt.Errorf("count reviews received: %w", err)
	}
	err = s.store.UpsertQueueEntry(model.PeerReviewQueueEntry{
		UserID:                    userID,
		ExerciseID:                exerciseID,
		ExerciseSlideSubmissionID: latest.ID,
		PeerReviewPriority:        given,
		ReceivedEnoughPeerReviews: received >= cfg.PeerReviewsToReceive,
	})
	if err != nil {
		return fmt.Errorf("enqueue answer: %w", err)
	}
	return nil
}

// advance moves a learner to the reviewing stage their reviews now allow and
// settles the score when the exercise is locked.
func (s *Service) advance(ex *model.StoredExercise, cfg *model.PeerOrSelfReviewConfig, userID uuid.UUID) error {
	st, err := s.state(userID, ex.ID)
	if err != nil {
		return err
	}
	latest, err := s.store.LatestSlideSubmission(ex.ID, userID)
	if err != nil {
		return fmt.Errorf("latest submission: %w", err)
	}
	if latest == nil {
		return nil
	}
	p := review.Progress{
		Stage:           st.ReviewingStage,
		Config:          *cfg,
		NeedsPeerReview: ex.NeedsPeerReview,
		NeedsSelfReview: ex.NeedsSelfReview,
	}
	if p.PeerReviewsGiven, err = s.store.CountPeerReviewsGiven(userID, ex.ID); err != nil {
		return fmt.Errorf("count reviews given: %w", err)
	}
	if p.SelfReviewDone, err = s.store.SelfReviewDone(userID, latest.ID); err != nil {
		return fmt.Errorf("check self review: %w", err)
	}
	if p.PeerReviewsReceived, err = s.store.CountPeerReviewsReceived(latest.ID); err != nil {
		return fmt.Errorf("count reviews received: %w", err)
	}
	if p.AverageScore, err = s.store.AveragePeerScore(latest.ID); err != nil {
		return fmt.Errorf("average review score: %w", err)
	}

	next := review.NextStage(p)
	if next == st.ReviewingStage {
		return nil
	}
	st.ReviewingStage = next
	switch next {
	case model.StageReviewedAndLocked:
		score, err := s.lockedScore(ex, cfg, latest, p.AverageScore)
		if err != nil {
			return err
		}
		st.ScoreGiven = best(st.ScoreGiven, score)
		st.GradingProgress = model.GradingFullyGraded
		st.ActivityProgress = model.ActivityCompleted
	case model.StageWaitingForManualGrading:
		st.GradingProgress = model.GradingPendingManual
	}
	if err := s.store.UpsertUserExerciseState(st); err != nil {
		return fmt.Errorf("store exercise state: %w", err)
	}
	s.logger.Info("reviewing stage changed",
		"exercise_id", ex.ID.String(),
		"user_id", userID.String(),
		"reviewing_stage", next,
	)
	return nil
}

// lockedScore is the exercise score once reviewing is over. Peer reviewed
// exercises get full points when the average review reaches the accepting
// threshold and nothing otherwise. Self reviewed ones keep the task grading.
func (s *Service) lockedScore(ex *model.StoredExercise, cfg *model.PeerOrSelfReviewConfig, latest *model.SlideSubmission, avg *float32) (*float32, error) {
	if !ex.NeedsPeerReview {
		graded, err := s.store.ListGradedTaskSubmissions(latest.ID)
		if err != nil {
			return nil, fmt.Errorf("list task submissions: %w", err)
		}
		score, _ := summarize(graded)
		return score, nil
	}
	full := float32(ex.ScoreMaximum)
	if cfg.ProcessingStrategy == model.StrategyAutomaticallyGradeOrManualReviewByAverage {
		return &full, nil
	}
	if avg != nil && *avg >= cfg.AcceptingThreshold {
		return &full, nil
	}
	var zero float32
	return &zero, nil
}

func (c *client) PostFlagAnswer(_ context.Context, exerciseID uuid.UUID, req model.FlagAnswerRequest) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if !req.Reason.Valid() {
		return errInvalidReason
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return errNoDescription
	}
	ex, cfg, _, err := s.reviewSetup(exerciseID)
	if err != nil {
		return err
	}
	if req.PeerOrSelfReviewConfigID != cfg.ID {
		return errConfigMismatch
	}
	if err := s.tokens.Verify(req.Token, TokenFor{
		UserID:            c.userID,
		ExerciseID:        ex.ID,
		SlideSubmissionID: req.SubmissionID,
		ConfigID:          cfg.ID,
	}); err != nil {
		return err
	}
	sub, err := s.store.GetSlideSubmission(req.SubmissionID)
	if err != nil {
		return fmt.Errorf("get flagged answer: %w", err)
	}
	if sub == nil {
		return fmt.Errorf("slide submission %s: %w", req.SubmissionID, backend.ErrNotFound)
	}
	if sub.ExerciseID != ex.ID {
		return errSubmissionOrigin
	}
	if sub.UserID == c.userID {
		return errFlagOwn
	}
	flagged, err := s.store.HasFlagged(c.userID, sub.ID)
	if err != nil {
		return fmt.Errorf("check earlier flag: %w", err)
	}
	if flagged {
		return errAlreadyFlagged
	}
	if _, err := s.store.FlagAnswer(model.FlaggedAnswer{
		CreatedAt:                 s.now().UTC(),
		ExerciseSlideSubmissionID: sub.ID,
		FlaggedUser:               sub.UserID,
		FlaggedBy:                 c.userID,
		Reason:                    req.Reason,
		Description:               description,
	}); err != nil {
		return fmt.Errorf("store flag: %w", err)
	}
	s.logger.Info("answer flagged",
		"exercise_id", ex.ID.String(),
		"slide_submission_id", sub.ID.String(),
		"reason", req.Reason,
	)
	return nil
}

func (c *client) FetchReceivedReviews(_ context.Context, exerciseID, submissionID uuid.UUID) (model.PeerOrSelfReviewsReceived, error) {
	s := c.s
	sub, err := s.store.GetSlideSubmission(submissionID)
	if err != nil {
		return model.PeerOrSelfReviewsReceived{}, fmt.Errorf("get slide submission: %w", err)
	}
	// Someone else's submission looks the same as a missing one.
	if sub == nil || sub.ExerciseID != exerciseID || sub.UserID != c.userID {
		return model.PeerOrSelfReviewsReceived{}, fmt.Errorf("slide submission %s: %w", submissionID, backend.ErrNotFound)
	}
	_, _, questions, err := s.reviewSetup(exerciseID)
	if err != nil {
		return model.PeerOrSelfReviewsReceived{}, err
	}
	reviews, answers, err := s.store.ReceivedReviews(sub.ID)
	if err != nil {
		return model.PeerOrSelfReviewsReceived{}, fmt.Errorf("list received reviews: %w", err)
	}
	for i := range reviews {
		if reviews[i].UserID != c.userID {
			reviews[i].UserID = uuid.Nil
		}
	}
	if answers == nil {
		answers = []model.PeerOrSelfReviewQuestionSubmission{}
	}
	if reviews == nil {
		reviews = []model.PeerOrSelfReviewSubmission{}
	}
	return model.PeerOrSelfReviewsReceived{
		PeerOrSelfReviewQuestions:           questions,
		PeerOrSelfReviewQuestionSubmissions: answers,
		PeerOrSelfReviewSubmissions:         reviews,
	}, nil
}

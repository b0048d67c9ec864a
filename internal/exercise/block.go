// Package exercise drives one exercise block: it downloads the exercise,
// keeps one frame per task in sync with the post-state reducer, collects the
// learner's answers from the frames and submits them.
package exercise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/backend"
	"github.com/pavelanni/coursematerial/internal/bridge"
	"github.com/pavelanni/coursematerial/internal/filestore"
	"github.com/pavelanni/coursematerial/internal/model"
	"github.com/pavelanni/coursematerial/internal/poststate"
	"github.com/pavelanni/coursematerial/internal/protocol"
	"github.com/pavelanni/coursematerial/internal/query"
	"github.com/pavelanni/coursematerial/internal/received"
	"github.com/pavelanni/coursematerial/internal/review"
)

var (
	ErrNotLoaded            = errors.New("exercise is not loaded")
	ErrCannotSubmit         = errors.New("exercise does not accept submissions")
	ErrIncomplete           = errors.New("every task needs a valid answer")
	ErrSubmissionInProgress = errors.New("a submission is already in progress")
	ErrNoSubmission         = errors.New("nothing has been submitted yet")
)

// InvariantViolation is the panic value raised when the block receives data
// it must never show, such as a grading during an exam.
type InvariantViolation struct {
	Reason string
}

func (v InvariantViolation) Error() string { return "invariant violation: " + v.Reason }

// Config configures a Block.
type Config struct {
	ExerciseID uuid.UUID
	// UserID is the signed-in learner, uuid.Nil for anonymous visitors.
	UserID           uuid.UUID
	Client           backend.Client
	Files            filestore.Store
	Hub              *bridge.Hub
	Language         string
	HandshakeTimeout time.Duration
	// ReviewPollInterval overrides review.RefetchInterval.
	ReviewPollInterval time.Duration
	ChapterLocked      bool
	Logger             *slog.Logger
}

// Frame is the frame of one task. Bridge is nil when the frame cannot be
// rendered, and Err says why.
type Frame struct {
	TaskID uuid.UUID
	Bridge *bridge.Bridge
	Err    error
}

// Block is one exercise block for one learner.
type Block struct {
	id       uuid.UUID
	userID   uuid.UUID
	client   backend.Client
	files    filestore.Store
	hub      *bridge.Hub
	language string
	timeout  time.Duration
	poll     time.Duration
	locked   bool
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	exercise *query.Query[model.CourseMaterialExercise]

	mu         sync.Mutex
	state      poststate.State
	frames     map[uuid.UUID]*Frame
	order      []uuid.UUID
	answers    map[uuid.UUID]protocol.CurrentState
	pending    map[uuid.UUID]map[string][]byte
	heights    map[uuid.UUID]float64
	links      []string
	anchor     string
	submitting bool
	review     *review.Controller
	reviewSelf bool
	stopPoll   context.CancelFunc
}

// New creates a block. Nothing is fetched until Load.
func New(cfg Config) (*Block, error) {
	if cfg.Client == nil {
		return nil, errors.New("exercise block needs a client")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("exercise_id", cfg.ExerciseID.String())
	ctx, cancel := context.WithCancel(context.Background())
	b := &Block{
		id:       cfg.ExerciseID,
		userID:   cfg.UserID,
		client:   cfg.Client,
		files:    cfg.Files,
		hub:      cfg.Hub,
		language: cfg.Language,
		timeout:  cfg.HandshakeTimeout,
		poll:     cfg.ReviewPollInterval,
		locked:   cfg.ChapterLocked,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(map[uuid.UUID]*Frame),
		answers:  make(map[uuid.UUID]protocol.CurrentState),
		pending:  make(map[uuid.UUID]map[string][]byte),
		heights:  make(map[uuid.UUID]float64),
	}
	b.exercise = query.New(func(ctx context.Context) (model.CourseMaterialExercise, error) {
		return b.client.FetchExercise(ctx, b.id)
	}, query.Options{Name: "exercise", Logger: logger})
	return b, nil
}

// ID returns the exercise id.
func (b *Block) ID() uuid.UUID { return b.id }

func (b *Block) signedIn() bool { return b.userID != uuid.Nil }

// Close stops the frame watchers and unregisters the frames.
func (b *Block) Close() {
	b.cancel()
	if b.hub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.frames {
		if f.Bridge != nil {
			b.hub.Unregister(f.Bridge.ID())
		}
	}
}

// Load downloads the exercise and opens a frame for every task.
func (b *Block) Load(ctx context.Context) error {
	ex, err := b.exercise.Refetch(ctx)
	if err != nil {
		return fmt.Errorf("load exercise: %w", err)
	}
	b.downloaded(ctx, ex)
	return nil
}

// Refetch downloads the exercise again. A submission the learner is looking
// at stays on screen.
func (b *Block) Refetch(ctx context.Context) error {
	return b.Load(ctx)
}

// Exercise returns the downloaded exercise.
func (b *Block) Exercise() (model.CourseMaterialExercise, bool) {
	return b.exercise.Data()
}

func (b *Block) downloaded(ctx context.Context, ex model.CourseMaterialExercise) {
	if ex.IsExam {
		for _, t := range ex.CurrentExerciseSlide.ExerciseTasks {
			if t.PreviousSubmissionGrading != nil {
				panic(InvariantViolation{Reason: fmt.Sprintf("exam task %s was downloaded with a grading", t.ID)})
			}
		}
	}
	b.mu.Lock()
	b.state = poststate.Reduce(b.state, poststate.ExerciseDownloaded{
		Exercise:      ex,
		SignedIn:      b.signedIn(),
		ChapterLocked: b.locked,
	})
	b.syncFramesLocked(ex)
	pushes := b.pushesLocked()
	b.mu.Unlock()
	b.push(ctx, pushes)
}

// syncFramesLocked opens a frame for every task that has none yet.
func (b *Block) syncFramesLocked(ex model.CourseMaterialExercise) {
	tasks := append([]model.ExerciseTask{}, ex.CurrentExerciseSlide.ExerciseTasks...)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].OrderNumber < tasks[j].OrderNumber })
	order := make([]uuid.UUID, 0, len(tasks))
	for _, task := range tasks {
		order = append(order, task.ID)
		if _, ok := b.frames[task.ID]; ok {
			continue
		}
		f := &Frame{TaskID: task.ID}
		br, err := bridge.New(bridge.Config{
			URL:              task.ExerciseIframeURL,
			Language:         b.language,
			Handler:          &frameHandler{b: b, taskID: task.ID},
			HandshakeTimeout: b.timeout,
			Logger:           b.logger.With("exercise_task_id", task.ID.String()),
		})
		if err != nil {
			b.logger.Warn("cannot render task", "exercise_task_id", task.ID.String(), "error", err)
			f.Err = err
		} else {
			f.Bridge = br
			if b.hub != nil {
				b.hub.Register(br)
			}
			go b.watch(f)
		}
		b.frames[task.ID] = f
	}
	b.order = order
}

// watch marks a frame as failed when it never completes the handshake.
func (b *Block) watch(f *Frame) {
	err := f.Bridge.WaitReady(b.ctx)
	if err == nil || b.ctx.Err() != nil {
		return
	}
	b.logger.Warn("frame did not load", "exercise_task_id", f.TaskID.String(), "error", err)
	b.mu.Lock()
	f.Err = err
	b.mu.Unlock()
}

type framePush struct {
	bridge *bridge.Bridge
	state  *protocol.IframeState
}

func (b *Block) pushesLocked() []framePush {
	pushes := make([]framePush, 0, len(b.order))
	for _, id := range b.order {
		f := b.frames[id]
		if f == nil || f.Bridge == nil {
			continue
		}
		var st *protocol.IframeState
		if s := b.state.ForTask(id); s != nil {
			cp := *s
			st = &cp
		}
		pushes = append(pushes, framePush{bridge: f.Bridge, state: st})
	}
	return pushes
}

// push hands each frame its state, skipping frames that already hold it.
func (b *Block) push(ctx context.Context, pushes []framePush) {
	for _, p := range pushes {
		if protocol.Equal(p.bridge.Latest(), p.state) {
			continue
		}
		if err := p.bridge.Push(ctx, p.state); err != nil {
			b.logger.Warn("push state to frame", "frame_id", p.bridge.ID().String(), "error", err)
		}
	}
}

// State returns the states the frames should be showing.
func (b *Block) State() poststate.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append(poststate.State(nil), b.state...)
}

// Frames returns the task frames in task order.
func (b *Block) Frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Frame, 0, len(b.order))
	for _, id := range b.order {
		if f := b.frames[id]; f != nil {
			out = append(out, *f)
		}
	}
	return out
}

// completeLocked reports whether every task holds an answer its plugin
// called valid.
func (b *Block) completeLocked(ex model.CourseMaterialExercise) bool {
	for _, t := range ex.CurrentExerciseSlide.ExerciseTasks {
		a, ok := b.answers[t.ID]
		if !ok || !a.Valid {
			return false
		}
	}
	return true
}

// Submit sends the learner's answers. Files the plugins attached are uploaded
// first. On failure nothing changes so the learner can submit again.
func (b *Block) Submit(ctx context.Context) (model.SubmissionResult, error) {
	ex, ok := b.exercise.Data()
	if !ok {
		return model.SubmissionResult{}, ErrNotLoaded
	}
	if !ex.CanPostSubmission {
		return model.SubmissionResult{}, ErrCannotSubmit
	}

	b.mu.Lock()
	if b.submitting {
		b.mu.Unlock()
		return model.SubmissionResult{}, ErrSubmissionInProgress
	}
	if !b.completeLocked(ex) {
		b.mu.Unlock()
		return model.SubmissionResult{}, ErrIncomplete
	}
	sub := model.StudentExerciseSlideSubmission{ExerciseSlideID: ex.CurrentExerciseSlide.ID}
	attached := make(map[uuid.UUID]map[string][]byte)
	for _, t := range ex.CurrentExerciseSlide.ExerciseTasks {
		sub.ExerciseTaskSubmissions = append(sub.ExerciseTaskSubmissions, model.TaskAnswer{
			ExerciseTaskID: t.ID,
			DataJSON:       b.answers[t.ID].Data,
		})
		if files := b.pending[t.ID]; len(files) > 0 {
			attached[t.ID] = files
		}
	}
	b.submitting = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.submitting = false
		b.mu.Unlock()
	}()

	for i, a := range sub.ExerciseTaskSubmissions {
		files, ok := attached[a.ExerciseTaskID]
		if !ok {
			continue
		}
		urls, err := b.upload(ctx, files)
		if err != nil {
			return model.SubmissionResult{}, fmt.Errorf("upload attached files: %w", err)
		}
		sub.ExerciseTaskSubmissions[i].Files = urls
	}

	res, err := b.client.PostSubmission(ctx, b.id, sub)
	if err != nil {
		return model.SubmissionResult{}, fmt.Errorf("submit exercise: %w", err)
	}
	if ex.IsExam {
		for _, r := range res.ExerciseTaskSubmissionResults {
			if r.Grading != nil {
				panic(InvariantViolation{Reason: fmt.Sprintf("exam submission %s came back graded", r.Submission.ID)})
			}
		}
	}

	b.exercise.Update(func(ex *model.CourseMaterialExercise) { attachResult(ex, res) })

	b.mu.Lock()
	b.state = poststate.Reduce(b.state, poststate.SubmissionGraded{Result: res, SignedIn: b.signedIn()})
	for id := range attached {
		delete(b.pending, id)
	}
	pushes := b.pushesLocked()
	b.mu.Unlock()
	b.push(ctx, pushes)

	b.logger.Info("exercise submitted", "tasks", len(res.ExerciseTaskSubmissionResults))
	return res, nil
}

// attachResult writes a submission result into the cached exercise so a later
// try again starts from the submitted answers.
func attachResult(ex *model.CourseMaterialExercise, res model.SubmissionResult) {
	byTask := make(map[uuid.UUID]model.TaskSubmissionResult, len(res.ExerciseTaskSubmissionResults))
	for _, r := range res.ExerciseTaskSubmissionResults {
		byTask[r.Submission.ExerciseTaskID] = r
	}
	tasks := make([]model.ExerciseTask, len(ex.CurrentExerciseSlide.ExerciseTasks))
	for i, t := range ex.CurrentExerciseSlide.ExerciseTasks {
		if r, ok := byTask[t.ID]; ok {
			s := r.Submission
			t.PreviousSubmission = &s
			t.PreviousSubmissionGrading = r.Grading
			if r.ModelSolutionSpec != nil {
				t.ModelSolutionSpec = r.ModelSolutionSpec
			}
		}
		tasks[i] = t
	}
	ex.CurrentExerciseSlide.ExerciseTasks = tasks

	counts := make(map[uuid.UUID]int, len(ex.ExerciseSlideSubmissionCounts)+1)
	for k, v := range ex.ExerciseSlideSubmissionCounts {
		counts[k] = v
	}
	counts[ex.CurrentExerciseSlide.ID]++
	ex.ExerciseSlideSubmissionCounts = counts

	if res.ExerciseStatus != nil {
		st := *res.ExerciseStatus
		ex.ExerciseStatus = &st
	}
	if res.UserCourseInstanceExerciseServiceVariables != nil {
		ex.UserCourseInstanceExerciseServiceVariables = res.UserCourseInstanceExerciseServiceVariables
	}
	if left, limited := triesRemaining(*ex); limited && left <= 0 {
		ex.CanPostSubmission = false
	}
}

// TryAgain shows the exercise view again, prefilled with the latest answers.
func (b *Block) TryAgain(ctx context.Context) error {
	ex, ok := b.exercise.Data()
	if !ok {
		return ErrNotLoaded
	}
	if !ex.CanPostSubmission {
		return ErrCannotSubmit
	}
	b.mu.Lock()
	b.state = poststate.Reduce(b.state, poststate.TryAgain{
		Exercise:      ex,
		SignedIn:      b.signedIn(),
		ChapterLocked: b.locked,
	})
	pushes := b.pushesLocked()
	b.mu.Unlock()
	b.push(ctx, pushes)
	return nil
}

// StartReview asks the server to start the review round and loads the
// review form when the learner has to review now.
func (b *Block) StartReview(ctx context.Context) error {
	if err := b.client.PostStartPeerOrSelfReview(ctx, b.id); err != nil {
		return fmt.Errorf("start review: %w", err)
	}
	if err := b.Refetch(ctx); err != nil {
		return err
	}
	if b.Stage().Reviewing() {
		return b.Review().Load(ctx)
	}
	return nil
}

// Stage returns the learner's reviewing stage.
func (b *Block) Stage() model.ReviewingStage {
	ex, ok := b.exercise.Data()
	if !ok {
		return model.StageNotStarted
	}
	return ex.Stage()
}

// SetStage overwrites the cached reviewing stage until the next download.
func (b *Block) SetStage(stage model.ReviewingStage) {
	b.exercise.Update(func(ex *model.CourseMaterialExercise) {
		st := model.ExerciseStatus{}
		if ex.ExerciseStatus != nil {
			st = *ex.ExerciseStatus
		}
		st.ReviewingStage = stage
		ex.ExerciseStatus = &st
	})
}

// SetLanguage switches the UI language of the block's frames. Frames opened
// later start in the new language.
func (b *Block) SetLanguage(ctx context.Context, lang string) {
	b.mu.Lock()
	if lang == "" || lang == b.language {
		b.mu.Unlock()
		return
	}
	b.language = lang
	bridges := make([]*bridge.Bridge, 0, len(b.order))
	for _, id := range b.order {
		if f := b.frames[id]; f != nil && f.Bridge != nil {
			bridges = append(bridges, f.Bridge)
		}
	}
	b.mu.Unlock()

	for _, br := range bridges {
		if err := br.SetLanguage(ctx, lang); err != nil {
			b.logger.Warn("send language to frame", "frame_id", br.ID().String(), "error", err)
		}
	}
}

// ScrollTo records where the learner's view should move.
func (b *Block) ScrollTo(_ context.Context, anchor string) {
	b.mu.Lock()
	b.anchor = anchor
	b.mu.Unlock()
	b.logger.Debug("scroll", "anchor", anchor)
}

// Anchor returns the anchor the view was last asked to scroll to.
func (b *Block) Anchor() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.anchor
}

// Review returns the review form for the current stage. A self review stage
// gets a self review form; every other stage a peer review form.
func (b *Block) Review() *review.Controller {
	self := b.Stage() == model.StageSelfReview
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.review == nil || b.reviewSelf != self {
		if b.stopPoll != nil {
			b.stopPoll()
		}
		b.review = review.NewController(review.Config{
			ExerciseID:   b.id,
			Client:       b.client,
			Parent:       b,
			Scroller:     b,
			SelfReview:   self,
			SignedIn:     b.signedIn(),
			PollInterval: b.poll,
			Logger:       b.logger,
		})
		b.reviewSelf = self
		ctx, cancel := context.WithCancel(b.ctx)
		b.stopPoll = cancel
		go b.review.Poll(ctx)
	}
	return b.review
}

func triesRemaining(ex model.CourseMaterialExercise) (int, bool) {
	if !ex.Exercise.LimitNumberOfTries || ex.Exercise.MaxTriesPerSlide == nil {
		return 0, false
	}
	left := *ex.Exercise.MaxTriesPerSlide - ex.ExerciseSlideSubmissionCounts[ex.CurrentExerciseSlide.ID]
	return max(left, 0), true
}

// TriesRemaining returns how many submissions the learner has left, and
// false when tries are not limited.
func (b *Block) TriesRemaining() (int, bool) {
	ex, ok := b.exercise.Data()
	if !ok {
		return 0, false
	}
	return triesRemaining(ex)
}

// RanOutOfTries reports whether a limited exercise has no tries left.
func (b *Block) RanOutOfTries() bool {
	left, limited := b.TriesRemaining()
	return limited && left == 0
}

func needsReview(ex model.CourseMaterialExercise) bool {
	return ex.Exercise.NeedsPeerReview || ex.Exercise.NeedsSelfReview
}

// ShowTasks reports whether the task frames are shown. They are hidden while
// the learner is reviewing.
func (b *Block) ShowTasks() bool {
	return !b.Stage().Reviewing()
}

// ShowStartReview reports whether the learner can start reviewing now.
func (b *Block) ShowStartReview() bool {
	ex, ok := b.exercise.Data()
	if !ok || ex.IsExam || !needsReview(ex) || ex.PreviousExerciseSlideSubmission == nil {
		return false
	}
	return ex.Stage() == model.StageNotStarted && b.inSubmissionView()
}

func (b *Block) inSubmissionView() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return poststate.InSubmissionView(b.state)
}

// ShowReceivedReviews reports whether the reviews the learner's submission
// received can be shown.
func (b *Block) ShowReceivedReviews() bool {
	ex, ok := b.exercise.Data()
	if !ok || ex.IsExam || !needsReview(ex) || ex.PreviousExerciseSlideSubmission == nil {
		return false
	}
	switch ex.Stage() {
	case model.StageWaitingForPeerReviews, model.StageWaitingForManualGrading, model.StageReviewedAndLocked:
		return true
	}
	return false
}

// ReceivedReviews loads and renders the reviews of the learner's latest
// submission in the language of ctx.
func (b *Block) ReceivedReviews(ctx context.Context) ([]received.RenderedGroup, error) {
	ex, ok := b.exercise.Data()
	if !ok {
		return nil, ErrNotLoaded
	}
	if ex.PreviousExerciseSlideSubmission == nil {
		return nil, ErrNoSubmission
	}
	r, err := b.client.FetchReceivedReviews(ctx, b.id, ex.PreviousExerciseSlideSubmission.ID)
	if err != nil {
		return nil, fmt.Errorf("load received reviews: %w", err)
	}
	return received.Render(ctx, received.Aggregate(r, b.userID)), nil
}

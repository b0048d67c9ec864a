package review

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
	"github.com/pavelanni/coursematerial/internal/protocol"
)

// timeline records calls from every fake in the order they happen.
type timeline struct {
	mu     sync.Mutex
	events []string
}

func (tl *timeline) add(e string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.events = append(tl.events, e)
}

func (tl *timeline) get() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string{}, tl.events...)
}

type fakeClient struct {
	tl        *timeline
	data      model.PeerOrSelfReviewDataWithToken
	fetchErr  error
	submitErr error
	flagErr   error
	submitted []model.PeerOrSelfReviewSubmissionRequest
	flagged   []model.FlagAnswerRequest
}

func (f *fakeClient) FetchPeerOrSelfReviewData(context.Context, uuid.UUID) (model.PeerOrSelfReviewDataWithToken, error) {
	f.tl.add("review.refetch")
	if f.fetchErr != nil {
		return model.PeerOrSelfReviewDataWithToken{}, f.fetchErr
	}
	return f.data, nil
}

func (f *fakeClient) PostPeerOrSelfReviewSubmission(_ context.Context, _ uuid.UUID, req model.PeerOrSelfReviewSubmissionRequest) error {
	f.tl.add("review.submit")
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, req)
	f.data.CourseMaterialPeerOrSelfReviewData.NumPeerReviewsGiven++
	return nil
}

func (f *fakeClient) PostFlagAnswer(_ context.Context, _ uuid.UUID, req model.FlagAnswerRequest) error {
	f.tl.add("review.flag")
	if f.flagErr != nil {
		return f.flagErr
	}
	f.flagged = append(f.flagged, req)
	return nil
}

type fakeParent struct {
	tl    *timeline
	stage model.ReviewingStage
}

func (p *fakeParent) Refetch(context.Context) error {
	p.tl.add("exercise.refetch")
	return nil
}

func (p *fakeParent) Stage() model.ReviewingStage     { return p.stage }
func (p *fakeParent) SetStage(s model.ReviewingStage) { p.stage = s }

type fakeScroller struct {
	tl *timeline
}

func (s *fakeScroller) ScrollTo(_ context.Context, anchor string) {
	s.tl.add("scroll:" + anchor)
}

var (
	exerciseID = uuid.MustParse("aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa")
	requiredQ  = model.PeerOrSelfReviewQuestion{ID: uuid.MustParse("bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"), OrderNumber: 1, QuestionType: model.QuestionScale, AnswerRequired: true}
	optionalQ  = model.PeerOrSelfReviewQuestion{ID: uuid.MustParse("cccccccc-cccc-4ccc-8ccc-cccccccccccc"), OrderNumber: 0, QuestionType: model.QuestionEssay}
)

func reviewData(toGive, given int) model.PeerOrSelfReviewDataWithToken {
	return model.PeerOrSelfReviewDataWithToken{
		Token: "token-1",
		CourseMaterialPeerOrSelfReviewData: model.PeerOrSelfReviewData{
			AnswerToReview: &model.AnswerToReview{
				ExerciseSlideSubmissionID: uuid.New(),
				CourseMaterialExerciseTasks: []model.ExerciseTask{
					{ID: uuid.New(), OrderNumber: 1, PreviousSubmission: &model.TaskSubmission{DataJSON: []byte(`"b"`)}},
					{ID: uuid.New(), OrderNumber: 0, PreviousSubmission: &model.TaskSubmission{DataJSON: []byte(`"a"`)}},
				},
			},
			PeerOrSelfReviewConfig:    model.PeerOrSelfReviewConfig{ID: uuid.New(), PeerReviewsToGive: toGive, PeerReviewsToReceive: 1},
			PeerOrSelfReviewQuestions: []model.PeerOrSelfReviewQuestion{requiredQ, optionalQ},
			NumPeerReviewsGiven:       given,
		},
	}
}

type harness struct {
	tl     *timeline
	client *fakeClient
	parent *fakeParent
	ctrl   *Controller
}

func newHarness(t *testing.T, data model.PeerOrSelfReviewDataWithToken, self bool) *harness {
	t.Helper()
	tl := &timeline{}
	h := &harness{
		tl:     tl,
		client: &fakeClient{tl: tl, data: data},
		parent: &fakeParent{tl: tl, stage: model.StagePeerReview},
	}
	h.ctrl = NewController(Config{
		ExerciseID: exerciseID,
		Client:     h.client,
		Parent:     h.parent,
		Scroller:   &fakeScroller{tl: tl},
		SelfReview: self,
		SignedIn:   true,
	})
	if err := h.ctrl.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	tl.events = nil
	return h
}

func answerRequired(c *Controller) {
	c.SetAnswer(requiredQ.ID, model.PeerOrSelfReviewQuestionAnswer{NumberData: ptr(float32(4))})
}

func equalEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestSubmitGivenEnoughRefetchesParentFirst(t *testing.T) {
	h := newHarness(t, reviewData(1, 0), false)
	answerRequired(h.ctrl)

	if err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	equalEvents(t, h.tl.get(), []string{
		"review.submit",
		"exercise.refetch",
		"scroll:" + ExerciseAnchor(exerciseID),
		"review.refetch",
	})
	if h.ctrl.CanSubmit() {
		t.Error("answers should be cleared after a successful submit")
	}
}

func TestSubmitMoreOwedRefetchesReviewOnly(t *testing.T) {
	h := newHarness(t, reviewData(3, 0), false)
	answerRequired(h.ctrl)

	if err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	equalEvents(t, h.tl.get(), []string{
		"review.submit",
		"review.refetch",
		"scroll:" + ReviewAnchor(exerciseID),
	})
}

func TestSelfReviewCountsAsEnough(t *testing.T) {
	h := newHarness(t, reviewData(3, 0), true)
	answerRequired(h.ctrl)

	if err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := h.tl.get(); len(got) < 2 || got[1] != "exercise.refetch" {
		t.Errorf("events = %v, want the exercise refetched first", got)
	}
}

func TestSubmitSendsOrderedAnswers(t *testing.T) {
	h := newHarness(t, reviewData(1, 0), false)
	answerRequired(h.ctrl)
	h.ctrl.SetAnswer(optionalQ.ID, model.PeerOrSelfReviewQuestionAnswer{TextData: ptr("clear and correct")})

	if err := h.ctrl.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := h.client.submitted[0]
	if req.Token != "token-1" {
		t.Errorf("token = %q", req.Token)
	}
	if len(req.PeerReviewQuestionAnswers) != 2 || req.PeerReviewQuestionAnswers[0].PeerOrSelfReviewQuestionID != optionalQ.ID {
		t.Errorf("answers = %+v, want optional question (order 0) first", req.PeerReviewQuestionAnswers)
	}
}

func TestSubmitIncomplete(t *testing.T) {
	h := newHarness(t, reviewData(1, 0), false)
	if h.ctrl.CanSubmit() {
		t.Error("CanSubmit() with the required question unanswered")
	}
	if err := h.ctrl.Submit(context.Background()); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Submit() error = %v, want ErrIncomplete", err)
	}
	answerRequired(h.ctrl)
	if !h.ctrl.CanSubmit() {
		t.Error("CanSubmit() should be true once the required question is answered")
	}
}

func TestSubmitFailureKeepsAnswers(t *testing.T) {
	h := newHarness(t, reviewData(1, 0), false)
	answerRequired(h.ctrl)
	h.client.submitErr = errors.New("503")

	if err := h.ctrl.Submit(context.Background()); err == nil {
		t.Fatal("Submit should fail")
	}
	if !h.ctrl.CanSubmit() {
		t.Error("answers should survive a failed submit")
	}
	equalEvents(t, h.tl.get(), []string{"review.submit"})
}

func TestSubmitWithoutAnswerToReview(t *testing.T) {
	data := reviewData(1, 0)
	data.CourseMaterialPeerOrSelfReviewData.AnswerToReview = nil
	h := newHarness(t, data, false)
	if err := h.ctrl.Submit(context.Background()); !errors.Is(err, ErrNothingToReview) {
		t.Fatalf("Submit() error = %v, want ErrNothingToReview", err)
	}
	if v := h.ctrl.View(); !v.NothingToReview || !v.Loaded {
		t.Errorf("View() = %+v, want nothing to review", v)
	}
}

func TestLoadFailureIsRetryable(t *testing.T) {
	tl := &timeline{}
	client := &fakeClient{tl: tl, fetchErr: errors.New("connection refused")}
	c := NewController(Config{ExerciseID: exerciseID, Client: client})

	err := c.Load(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Load() error = %v, want *FetchError", err)
	}
	if v := c.View(); v.Loaded || v.Error == "" {
		t.Errorf("View() = %+v, want an error banner", v)
	}

	client.fetchErr = nil
	client.data = reviewData(1, 0)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("retry Load: %v", err)
	}
	if v := c.View(); !v.Loaded || v.Error != "" {
		t.Errorf("View() after retry = %+v", v)
	}
}

func TestViewOrdersAndHidesVariables(t *testing.T) {
	h := newHarness(t, reviewData(2, 1), false)
	v := h.ctrl.View()
	if v.ReviewsGiven != 1 || v.ReviewsToGive != 2 {
		t.Errorf("progress = %d/%d", v.ReviewsGiven, v.ReviewsToGive)
	}
	if len(v.Tasks) != 2 || v.Tasks[0].Task.OrderNumber != 0 {
		t.Fatalf("tasks not ordered: %+v", v.Tasks)
	}
	for _, task := range v.Tasks {
		if task.State.ViewType() != protocol.ViewViewSubmission {
			t.Errorf("reviewed task view = %s", task.State.ViewType())
		}
		if task.State.UserVariables == nil || len(task.State.UserVariables) != 0 {
			t.Errorf("reviewed task variables = %v, want empty", task.State.UserVariables)
		}
	}
	if len(v.Questions) != 2 || v.Questions[0].Question.ID != optionalQ.ID {
		t.Errorf("questions not ordered: %+v", v.Questions)
	}
}

func TestFlagClearsAnswersAndRefetches(t *testing.T) {
	h := newHarness(t, reviewData(1, 0), false)
	answerRequired(h.ctrl)

	if err := h.ctrl.Flag(context.Background(), model.ReasonSpam, "  buy cheap watches  "); err != nil {
		t.Fatalf("Flag: %v", err)
	}
	equalEvents(t, h.tl.get(), []string{"review.flag", "review.refetch"})
	if h.client.flagged[0].Description != "buy cheap watches" {
		t.Errorf("description = %q", h.client.flagged[0].Description)
	}
	if h.ctrl.CanSubmit() {
		t.Error("answers should be cleared after flagging")
	}
}

func TestRefetchKeepsAnswersForSameSubmission(t *testing.T) {
	h := newHarness(t, reviewData(1, 0), false)
	answerRequired(h.ctrl)

	if err := h.ctrl.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !h.ctrl.CanSubmit() {
		t.Error("answers lost on a refetch of the same answer to review")
	}
}

func TestRefetchDropsAnswersForNewSubmission(t *testing.T) {
	h := newHarness(t, reviewData(1, 0), false)
	answerRequired(h.ctrl)

	h.client.data = reviewData(1, 0)
	if err := h.ctrl.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h.ctrl.CanSubmit() {
		t.Error("answers given for the previous answer to review were kept")
	}
}

func TestFlagValidation(t *testing.T) {
	h := newHarness(t, reviewData(1, 0), false)
	if err := h.ctrl.Flag(context.Background(), "flagging-reason-boring", "x"); !errors.Is(err, ErrInvalidReason) {
		t.Errorf("unknown reason error = %v", err)
	}
	if err := h.ctrl.Flag(context.Background(), model.ReasonAiGenerated, "   "); !errors.Is(err, ErrDescriptionRequired) {
		t.Errorf("blank description error = %v", err)
	}
	if len(h.tl.get()) != 0 {
		t.Errorf("invalid flags reached the server: %v", h.tl.get())
	}
}

func TestRequestExtraReview(t *testing.T) {
	h := newHarness(t, reviewData(1, 1), false)
	h.parent.stage = model.StageWaitingForPeerReviews

	if err := h.ctrl.RequestExtraReview(context.Background()); err != nil {
		t.Fatalf("RequestExtraReview: %v", err)
	}
	if h.parent.stage != model.StagePeerReview {
		t.Errorf("stage = %s, want PeerReview", h.parent.stage)
	}
}

func TestRequestExtraReviewRollsBack(t *testing.T) {
	h := newHarness(t, reviewData(1, 1), false)
	h.parent.stage = model.StageWaitingForPeerReviews
	h.client.fetchErr = errors.New("locked")

	if err := h.ctrl.RequestExtraReview(context.Background()); err == nil {
		t.Fatal("RequestExtraReview should fail")
	}
	if h.parent.stage != model.StageWaitingForPeerReviews {
		t.Errorf("stage = %s, want the optimistic write rolled back", h.parent.stage)
	}

	h.parent.stage = model.StageReviewedAndLocked
	if err := h.ctrl.RequestExtraReview(context.Background()); !errors.Is(err, ErrCannotRequestExtra) {
		t.Errorf("RequestExtraReview() from locked = %v, want ErrCannotRequestExtra", err)
	}
}

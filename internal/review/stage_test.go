package review

import (
	"errors"
	"testing"

	"github.com/pavelanni/coursematerial/internal/model"
)

func TestStart(t *testing.T) {
	tests := []struct {
		name      string
		stage     model.ReviewingStage
		peer      bool
		self      bool
		want      model.ReviewingStage
		wantError bool
	}{
		{"peer first", model.StageNotStarted, true, true, model.StagePeerReview, false},
		{"self only", model.StageNotStarted, false, true, model.StageSelfReview, false},
		{"nothing to review", model.StageNotStarted, false, false, model.StageNotStarted, true},
		{"already reviewing", model.StagePeerReview, true, false, model.StagePeerReview, true},
		{"locked", model.StageReviewedAndLocked, true, true, model.StageReviewedAndLocked, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Start(tt.stage, tt.peer, tt.self)
			if tt.wantError != errors.Is(err, ErrCannotStart) {
				t.Fatalf("Start() error = %v, wantError %v", err, tt.wantError)
			}
			if got != tt.want {
				t.Errorf("Start() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextStage(t *testing.T) {
	byAverage := model.PeerOrSelfReviewConfig{PeerReviewsToGive: 2, PeerReviewsToReceive: 2, ProcessingStrategy: model.StrategyAutomaticallyGradeByAverage}
	orManual := model.PeerOrSelfReviewConfig{PeerReviewsToGive: 1, PeerReviewsToReceive: 1, AcceptingThreshold: 2.5, ProcessingStrategy: model.StrategyAutomaticallyGradeOrManualReviewByAverage}
	manual := model.PeerOrSelfReviewConfig{PeerReviewsToGive: 1, PeerReviewsToReceive: 1, ProcessingStrategy: model.StrategyManualReviewEverything}
	high, low := float32(3), float32(2)

	tests := []struct {
		name string
		p    Progress
		want model.ReviewingStage
	}{
		{"more reviews owed", Progress{Stage: model.StagePeerReview, Config: byAverage, NeedsPeerReview: true, PeerReviewsGiven: 1}, model.StagePeerReview},
		{"self review next", Progress{Stage: model.StagePeerReview, Config: byAverage, NeedsPeerReview: true, NeedsSelfReview: true, PeerReviewsGiven: 2}, model.StageSelfReview},
		{"wait for reviews", Progress{Stage: model.StagePeerReview, Config: byAverage, NeedsPeerReview: true, PeerReviewsGiven: 2, PeerReviewsReceived: 1}, model.StageWaitingForPeerReviews},
		{"locked by average", Progress{Stage: model.StagePeerReview, Config: byAverage, NeedsPeerReview: true, PeerReviewsGiven: 2, PeerReviewsReceived: 2}, model.StageReviewedAndLocked},
		{"self review not done", Progress{Stage: model.StageSelfReview, Config: byAverage, NeedsSelfReview: true}, model.StageSelfReview},
		{"self review only", Progress{Stage: model.StageSelfReview, Config: byAverage, NeedsSelfReview: true, SelfReviewDone: true}, model.StageReviewedAndLocked},
		{"self then wait", Progress{Stage: model.StageSelfReview, Config: byAverage, NeedsPeerReview: true, NeedsSelfReview: true, SelfReviewDone: true, PeerReviewsGiven: 2}, model.StageWaitingForPeerReviews},
		{"received while waiting", Progress{Stage: model.StageWaitingForPeerReviews, Config: byAverage, NeedsPeerReview: true, PeerReviewsGiven: 2, PeerReviewsReceived: 2}, model.StageReviewedAndLocked},
		{"still waiting", Progress{Stage: model.StageWaitingForPeerReviews, Config: byAverage, NeedsPeerReview: true, PeerReviewsGiven: 3, PeerReviewsReceived: 0}, model.StageWaitingForPeerReviews},
		{"average above threshold", Progress{Stage: model.StageWaitingForPeerReviews, Config: orManual, NeedsPeerReview: true, PeerReviewsGiven: 1, PeerReviewsReceived: 1, AverageScore: &high}, model.StageReviewedAndLocked},
		{"average below threshold", Progress{Stage: model.StageWaitingForPeerReviews, Config: orManual, NeedsPeerReview: true, PeerReviewsGiven: 1, PeerReviewsReceived: 1, AverageScore: &low}, model.StageWaitingForManualGrading},
		{"no average", Progress{Stage: model.StageWaitingForPeerReviews, Config: orManual, NeedsPeerReview: true, PeerReviewsGiven: 1, PeerReviewsReceived: 1}, model.StageWaitingForManualGrading},
		{"manual review", Progress{Stage: model.StagePeerReview, Config: manual, NeedsPeerReview: true, PeerReviewsGiven: 1, PeerReviewsReceived: 1}, model.StageWaitingForManualGrading},
		{"not started stays", Progress{Stage: model.StageNotStarted, Config: byAverage}, model.StageNotStarted},
		{"locked stays", Progress{Stage: model.StageReviewedAndLocked, Config: byAverage, NeedsPeerReview: true}, model.StageReviewedAndLocked},
		{"manual grading stays", Progress{Stage: model.StageWaitingForManualGrading, Config: manual}, model.StageWaitingForManualGrading},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextStage(tt.p); got != tt.want {
				t.Errorf("NextStage() = %s, want %s", got, tt.want)
			}
		})
	}
}

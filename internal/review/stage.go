package review

import (
	"errors"

	"github.com/pavelanni/coursematerial/internal/model"
)

// ErrCannotStart is returned when a review cannot be started from the current stage.
var ErrCannotStart = errors.New("review cannot be started in this stage")

// Progress is what the server knows about one learner's reviews of one exercise.
type Progress struct {
	Stage               model.ReviewingStage
	Config              model.PeerOrSelfReviewConfig
	NeedsPeerReview     bool
	NeedsSelfReview     bool
	PeerReviewsGiven    int
	SelfReviewDone      bool
	PeerReviewsReceived int
	// AverageScore is the mean of the received scale answers, nil when none.
	AverageScore *float32
}

// Start returns the first review stage after a submission.
func Start(stage model.ReviewingStage, needsPeer, needsSelf bool) (model.ReviewingStage, error) {
	if stage != model.StageNotStarted {
		return stage, ErrCannotStart
	}
	switch {
	case needsPeer:
		return model.StagePeerReview, nil
	case needsSelf:
		return model.StageSelfReview, nil
	}
	return stage, ErrCannotStart
}

// NextStage returns the stage a learner moves to after a review was given or
// received.
func NextStage(p Progress) model.ReviewingStage {
	switch p.Stage {
	case model.StagePeerReview:
		if p.NeedsPeerReview && p.PeerReviewsGiven < p.Config.PeerReviewsToGive {
			return model.StagePeerReview
		}
		if p.NeedsSelfReview && !p.SelfReviewDone {
			return model.StageSelfReview
		}
		return afterReviewing(p)
	case model.StageSelfReview:
		if !p.SelfReviewDone {
			return model.StageSelfReview
		}
		if p.NeedsPeerReview && p.PeerReviewsGiven < p.Config.PeerReviewsToGive {
			return model.StagePeerReview
		}
		return afterReviewing(p)
	case model.StageWaitingForPeerReviews:
		return afterReviewing(p)
	}
	return p.Stage
}

func afterReviewing(p Progress) model.ReviewingStage {
	if p.NeedsPeerReview && p.PeerReviewsReceived < p.Config.PeerReviewsToReceive {
		return model.StageWaitingForPeerReviews
	}
	switch p.Config.ProcessingStrategy {
	case model.StrategyManualReviewEverything:
		return model.StageWaitingForManualGrading
	case model.StrategyAutomaticallyGradeOrManualReviewByAverage:
		if p.AverageScore != nil && *p.AverageScore >= p.Config.AcceptingThreshold {
			return model.StageReviewedAndLocked
		}
		return model.StageWaitingForManualGrading
	}
	return model.StageReviewedAndLocked
}

package exercise

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/bridge"
	"github.com/pavelanni/coursematerial/internal/i18n"
	"github.com/pavelanni/coursematerial/internal/model"
	"github.com/pavelanni/coursematerial/internal/poststate"
	"github.com/pavelanni/coursematerial/internal/protocol"
	"github.com/pavelanni/coursematerial/internal/review"
)

// FrameView is what the page needs to place one task frame.
type FrameView struct {
	TaskID   uuid.UUID         `json:"exercise_task_id"`
	FrameID  *uuid.UUID        `json:"frame_id,omitempty"`
	URL      string            `json:"url,omitempty"`
	Ready    bool              `json:"ready"`
	Height   float64           `json:"height,omitempty"`
	ViewType protocol.ViewType `json:"view_type,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// View is the rendered exercise block.
type View struct {
	ExerciseID          uuid.UUID             `json:"exercise_id"`
	Loaded              bool                  `json:"loaded"`
	Name                string                `json:"name,omitempty"`
	IsExam              bool                  `json:"is_exam"`
	Stage               model.ReviewingStage  `json:"reviewing_stage"`
	Anchor              string                `json:"anchor"`
	Frames              []FrameView           `json:"frames"`
	CanSubmit           bool                  `json:"can_submit"`
	CanTryAgain         bool                  `json:"can_try_again"`
	TriesRemaining      *int                  `json:"tries_remaining,omitempty"`
	ShowStartReview     bool                  `json:"show_start_review"`
	ShowReceivedReviews bool                  `json:"show_received_reviews"`
	Status              *model.ExerciseStatus `json:"exercise_status,omitempty"`
	Messages            []string              `json:"messages,omitempty"`
	ScrollTo            string                `json:"scroll_to,omitempty"`
	Error               string                `json:"error,omitempty"`
}

// View renders the block in the language of ctx.
func (b *Block) View(ctx context.Context) View {
	v := View{ExerciseID: b.id, Anchor: review.ExerciseAnchor(b.id), Frames: []FrameView{}}
	ex, ok := b.exercise.Data()
	if err := b.exercise.Err(); err != nil {
		v.Error = err.Error()
	}
	if !ok {
		return v
	}
	v.Loaded = true
	v.Name = ex.Exercise.Name
	v.IsExam = ex.IsExam
	v.Stage = ex.Stage()
	v.Status = ex.ExerciseStatus
	v.ShowStartReview = b.ShowStartReview()
	v.ShowReceivedReviews = b.ShowReceivedReviews()

	left, limited := triesRemaining(ex)
	if limited {
		v.TriesRemaining = &left
		if left == 0 {
			v.Messages = append(v.Messages, i18n.T(ctx, "RanOutOfTries"))
		} else {
			v.Messages = append(v.Messages, i18n.Tp(ctx, "TriesRemaining", left))
		}
	}
	if msg := stageMessage(v.Stage); msg != "" {
		v.Messages = append(v.Messages, i18n.T(ctx, msg))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	inSubmission := poststate.InSubmissionView(b.state)
	v.CanSubmit = ex.CanPostSubmission && !inSubmission && !b.submitting && b.completeLocked(ex)
	v.CanTryAgain = ex.CanPostSubmission && inSubmission
	v.ScrollTo = b.anchor
	if v.Stage.Reviewing() {
		return v
	}
	for _, id := range b.order {
		f := b.frames[id]
		if f == nil {
			continue
		}
		fv := FrameView{TaskID: id, Height: b.heights[id]}
		if st := b.state.ForTask(id); st != nil {
			fv.ViewType = st.ViewType()
		}
		if f.Bridge != nil {
			frameID := f.Bridge.ID()
			fv.FrameID = &frameID
			fv.URL = f.Bridge.URL()
			fv.Ready = f.Bridge.Ready()
		}
		switch {
		case errors.Is(f.Err, bridge.ErrHandshakeTimeout):
			fv.Error = i18n.T(ctx, "ExerciseDidNotLoad")
		case f.Err != nil:
			fv.Error = i18n.T(ctx, "CannotRenderExercise")
		}
		v.Frames = append(v.Frames, fv)
	}
	return v
}

func stageMessage(s model.ReviewingStage) string {
	switch s {
	case model.StageWaitingForPeerReviews:
		return "WaitingForPeerReviews"
	case model.StageWaitingForManualGrading:
		return "WaitingForManualGrading"
	case model.StageReviewedAndLocked:
		return "ReviewedAndLocked"
	}
	return ""
}

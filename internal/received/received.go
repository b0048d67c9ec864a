// Package received groups the reviews a submission has received for display
// to its author.
package received

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/i18n"
	"github.com/pavelanni/coursematerial/internal/model"
)

// Answer is one reviewer's answer to one question.
type Answer struct {
	Question   model.PeerOrSelfReviewQuestion
	Submission model.PeerOrSelfReviewQuestionSubmission
}

// Group is every answer of one review round. Reviewer identity is reduced to
// whether the viewer wrote it.
type Group struct {
	ReviewSubmissionID uuid.UUID
	Self               bool
	Newest             time.Time
	// Orphan is set when the review the answers belong to is unknown.
	Orphan  bool
	Answers []Answer
}

// Aggregate groups received answers by review, newest review first, with the
// viewer's own reviews before everyone else's. Answers to questions that no
// longer exist are dropped.
func Aggregate(r model.PeerOrSelfReviewsReceived, viewer uuid.UUID) []Group {
	questions := make(map[uuid.UUID]model.PeerOrSelfReviewQuestion, len(r.PeerOrSelfReviewQuestions))
	for _, q := range r.PeerOrSelfReviewQuestions {
		questions[q.ID] = q
	}
	reviews := make(map[uuid.UUID]model.PeerOrSelfReviewSubmission, len(r.PeerOrSelfReviewSubmissions))
	for _, s := range r.PeerOrSelfReviewSubmissions {
		reviews[s.ID] = s
	}

	subs := append([]model.PeerOrSelfReviewQuestionSubmission{}, r.PeerOrSelfReviewQuestionSubmissions...)
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].CreatedAt.After(subs[j].CreatedAt) })

	var groups []*Group
	byReview := make(map[uuid.UUID]*Group)
	for _, s := range subs {
		q, ok := questions[s.PeerOrSelfReviewQuestionID]
		if !ok {
			continue
		}
		g, ok := byReview[s.PeerOrSelfReviewSubmissionID]
		if !ok {
			review, known := reviews[s.PeerOrSelfReviewSubmissionID]
			g = &Group{
				ReviewSubmissionID: s.PeerOrSelfReviewSubmissionID,
				Self:               known && review.UserID == viewer,
				Orphan:             !known,
				Newest:             s.CreatedAt,
			}
			byReview[s.PeerOrSelfReviewSubmissionID] = g
			groups = append(groups, g)
		}
		g.Answers = append(g.Answers, Answer{Question: q, Submission: s})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Self != b.Self {
			return a.Self
		}
		if a.Orphan != b.Orphan {
			return b.Orphan
		}
		return a.Newest.After(b.Newest)
	})

	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		sort.SliceStable(g.Answers, func(i, j int) bool {
			return g.Answers[i].Question.OrderNumber < g.Answers[j].Question.OrderNumber
		})
		out = append(out, *g)
	}
	return out
}

// ScaleSize is the number of options of a scale question.
const ScaleSize = 5

var scaleLabelIDs = [ScaleSize]string{
	"ScaleStronglyDisagree",
	"ScaleDisagree",
	"ScaleNeitherAgreeNorDisagree",
	"ScaleAgree",
	"ScaleStronglyAgree",
}

// ScaleOption is one option of a rendered scale.
type ScaleOption struct {
	Value    int    `json:"value"`
	Label    string `json:"label"`
	Selected bool   `json:"selected"`
}

// RenderedAnswer is an answer ready to display.
type RenderedAnswer struct {
	Question     string             `json:"question"`
	QuestionType model.QuestionType `json:"question_type"`
	Text         string             `json:"text,omitempty"`
	Scale        []ScaleOption      `json:"scale,omitempty"`
}

// RenderedGroup is a review ready to display.
type RenderedGroup struct {
	Heading string           `json:"heading"`
	Self    bool             `json:"self"`
	Answers []RenderedAnswer `json:"answers"`
}

// Render turns groups into labelled answers in the language of ctx.
func Render(ctx context.Context, groups []Group) []RenderedGroup {
	out := make([]RenderedGroup, 0, len(groups))
	peer := 0
	for _, g := range groups {
		rg := RenderedGroup{Self: g.Self}
		if g.Self {
			rg.Heading = i18n.T(ctx, "YourSelfReview")
		} else {
			peer++
			rg.Heading = i18n.Td(ctx, "PeerReviewN", map[string]any{"N": peer})
		}
		for _, a := range g.Answers {
			ra := RenderedAnswer{Question: a.Question.Question, QuestionType: a.Question.QuestionType}
			switch a.Question.QuestionType {
			case model.QuestionEssay:
				if a.Submission.TextData != nil {
					ra.Text = *a.Submission.TextData
				}
			case model.QuestionScale:
				ra.Scale = renderScale(ctx, a.Submission.NumberData)
			}
			rg.Answers = append(rg.Answers, ra)
		}
		out = append(out, rg)
	}
	return out
}

func renderScale(ctx context.Context, value *float32) []ScaleOption {
	opts := make([]ScaleOption, ScaleSize)
	for i := range opts {
		v := i + 1
		opts[i] = ScaleOption{
			Value:    v,
			Label:    i18n.T(ctx, scaleLabelIDs[i]),
			Selected: value != nil && int(*value+0.5) == v,
		}
	}
	return opts
}

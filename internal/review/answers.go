// Package review implements peer and self review: the in-progress answers of
// a reviewer, the stage transitions of a learner, and the controller behind
// the review form.
package review

import (
	"sort"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
)

// AnswerSet holds a reviewer's in-progress answers keyed by question id. An
// answer without a number and without non-blank text is never stored.
type AnswerSet struct {
	m map[uuid.UUID]model.PeerOrSelfReviewQuestionAnswer
}

// NewAnswerSet returns an empty set.
func NewAnswerSet() *AnswerSet {
	return &AnswerSet{m: make(map[uuid.UUID]model.PeerOrSelfReviewQuestionAnswer)}
}

// Set records the answer to a question. An empty answer removes the entry.
func (s *AnswerSet) Set(questionID uuid.UUID, a model.PeerOrSelfReviewQuestionAnswer) {
	if a.Empty() {
		delete(s.m, questionID)
		return
	}
	a.PeerOrSelfReviewQuestionID = questionID
	s.m[questionID] = a
}

// Get returns the answer to a question.
func (s *AnswerSet) Get(questionID uuid.UUID) (model.PeerOrSelfReviewQuestionAnswer, bool) {
	a, ok := s.m[questionID]
	return a, ok
}

func (s *AnswerSet) Len() int { return len(s.m) }

// Clear removes every answer.
func (s *AnswerSet) Clear() {
	clear(s.m)
}

// List returns the answers ordered by question order number. Answers to
// unknown questions come last.
func (s *AnswerSet) List(questions []model.PeerOrSelfReviewQuestion) []model.PeerOrSelfReviewQuestionAnswer {
	order := make(map[uuid.UUID]int, len(questions))
	for _, q := range questions {
		order[q.ID] = q.OrderNumber
	}
	out := make([]model.PeerOrSelfReviewQuestionAnswer, 0, len(s.m))
	for _, a := range s.m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, iok := order[out[i].PeerOrSelfReviewQuestionID]
		oj, jok := order[out[j].PeerOrSelfReviewQuestionID]
		if iok != jok {
			return iok
		}
		if oi != oj {
			return oi < oj
		}
		return out[i].PeerOrSelfReviewQuestionID.String() < out[j].PeerOrSelfReviewQuestionID.String()
	})
	return out
}

// Valid reports whether every required question has an answer.
func (s *AnswerSet) Valid(questions []model.PeerOrSelfReviewQuestion) bool {
	for _, q := range questions {
		if !q.AnswerRequired {
			continue
		}
		if _, ok := s.m[q.ID]; !ok {
			return false
		}
	}
	return true
}

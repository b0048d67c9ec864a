// Package grading turns task answers into gradings: essays through an
// OpenAI-compatible model, everything else by comparison with the task's
// private spec.
package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pavelanni/coursematerial/internal/model"
)

// Task is one answer to grade.
type Task struct {
	ExerciseServiceSlug string
	Assignment          json.RawMessage
	PublicSpec          json.RawMessage
	PrivateSpec         json.RawMessage
	ModelSolutionSpec   json.RawMessage
	Answer              json.RawMessage
	ScoreMaximum        int
}

// Result is the outcome of grading one answer.
type Result struct {
	Progress         model.GradingProgress
	ScoreGiven       *float32
	Feedback         string
	SetUserVariables map[string]json.RawMessage
}

// Grader grades one answer.
type Grader interface {
	Grade(ctx context.Context, t Task) (Result, error)
}

// EssaySlug is the exercise service whose answers are graded by the model.
const EssaySlug = "essay"

// Router sends essays to the model grader and everything else to Exact.
type Router struct {
	Essay Grader
	Other Grader
}

// NewRouter creates a router. A nil essay grader leaves essays for manual grading.
func NewRouter(essay Grader) *Router {
	return &Router{Essay: essay, Other: Exact{}}
}

func (r *Router) Grade(ctx context.Context, t Task) (Result, error) {
	if t.ExerciseServiceSlug == EssaySlug {
		if r.Essay == nil {
			return Result{Progress: model.GradingPendingManual}, nil
		}
		return r.Essay.Grade(ctx, t)
	}
	return r.Other.Grade(ctx, t)
}

// ToGrading converts a result into a grading out of scoreMax points. A
// failed grade becomes a Failed grading with the error as feedback.
func ToGrading(res Result, err error, scoreMax int) *model.Grading {
	if err != nil {
		slog.Error("grading failed", "error", err)
		msg := "Grading error: " + err.Error()
		return &model.Grading{GradingProgress: model.GradingFailed, ScoreMaximum: scoreMax, FeedbackText: &msg}
	}
	g := &model.Grading{
		GradingProgress:  res.Progress,
		ScoreGiven:       res.ScoreGiven,
		ScoreMaximum:     scoreMax,
		SetUserVariables: res.SetUserVariables,
	}
	if res.Feedback != "" {
		fb := res.Feedback
		g.FeedbackText = &fb
	}
	return g
}

// Exact awards full points when the answer equals the private spec's
// correct_answer, compared as JSON values.
type Exact struct{}

type exactSpec struct {
	CorrectAnswer json.RawMessage `json:"correct_answer"`
}

func (Exact) Grade(_ context.Context, t Task) (Result, error) {
	var spec exactSpec
	if len(t.PrivateSpec) > 0 {
		if err := json.Unmarshal(t.PrivateSpec, &spec); err != nil {
			return Result{}, fmt.Errorf("parse private spec: %w", err)
		}
	}
	if len(spec.CorrectAnswer) == 0 {
		return Result{Progress: model.GradingPendingManual}, nil
	}
	equal, err := jsonEqual(spec.CorrectAnswer, t.Answer)
	if err != nil {
		return Result{}, err
	}
	score := float32(0)
	if equal {
		score = float32(t.ScoreMaximum)
	}
	return Result{Progress: model.GradingFullyGraded, ScoreGiven: &score}, nil
}

func jsonEqual(a, b json.RawMessage) (bool, error) {
	ca, err := canonical(a)
	if err != nil {
		return false, fmt.Errorf("parse correct answer: %w", err)
	}
	cb, err := canonical(b)
	if err != nil {
		// An answer that is not JSON is simply wrong.
		return false, nil
	}
	return bytes.Equal(ca, cb), nil
}

// canonical re-encodes JSON so object key order and whitespace do not matter.
func canonical(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

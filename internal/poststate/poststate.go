// Package poststate decides which state every task frame of an exercise block
// should be showing.
//
// A downloaded exercise is advisory: it never replaces a submission the
// learner is already looking at. A graded submission and an explicit retry are
// authoritative and always replace what was there.
package poststate

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
	"github.com/pavelanni/coursematerial/internal/protocol"
)

// State holds one frame state per task. Nil means nothing should be posted yet.
type State []protocol.IframeState

// ForTask returns the state for the given task, or nil.
func (s State) ForTask(taskID uuid.UUID) *protocol.IframeState {
	for i := range s {
		if s[i].ExerciseTaskID == taskID {
			return &s[i]
		}
	}
	return nil
}

// InSubmissionView reports whether every task is showing a submitted answer.
func InSubmissionView(s State) bool {
	if len(s) == 0 {
		return false
	}
	for _, st := range s {
		if st.ViewType() != protocol.ViewViewSubmission {
			return false
		}
	}
	return true
}

// Action is one of ExerciseDownloaded, SubmissionGraded, TryAgain or ShowExercise.
type Action interface {
	apply(prev State) State
}

// ExerciseDownloaded is dispatched whenever the exercise was (re)fetched.
type ExerciseDownloaded struct {
	Exercise      model.CourseMaterialExercise
	SignedIn      bool
	ChapterLocked bool
}

// SubmissionGraded is dispatched with the response to a slide submit.
type SubmissionGraded struct {
	Result   model.SubmissionResult
	SignedIn bool
}

// TryAgain is dispatched when the learner asks to answer again.
type TryAgain struct {
	Exercise      model.CourseMaterialExercise
	SignedIn      bool
	ChapterLocked bool
}

// ShowExercise replaces the state with the given one.
type ShowExercise struct {
	States State
}

// Reduce returns the state that follows prev after a. It never modifies prev.
func Reduce(prev State, a Action) State {
	return a.apply(prev)
}

func (a ExerciseDownloaded) apply(prev State) State {
	if InSubmissionView(prev) {
		return prev
	}
	// Previous submissions are opened only by the first download.
	return fromExercise(a.Exercise, a.SignedIn, a.ChapterLocked, prev == nil)
}

func (a TryAgain) apply(State) State {
	return fromExercise(a.Exercise, a.SignedIn, a.ChapterLocked, false)
}

func (a ShowExercise) apply(State) State {
	if a.States == nil {
		return nil
	}
	return append(State{}, a.States...)
}

func (a SubmissionGraded) apply(prev State) State {
	next := make(State, 0, len(a.Result.ExerciseTaskSubmissionResults))
	for _, r := range a.Result.ExerciseTaskSubmissionResults {
		taskID := r.Submission.ExerciseTaskID
		info := protocol.UserInformation{SignedIn: a.SignedIn}
		var publicSpec json.RawMessage
		if old := prev.ForTask(taskID); old != nil {
			info = old.UserInformation
			info.SignedIn = a.SignedIn
			publicSpec = publicSpecOf(old.Data)
		}
		next = append(next, protocol.IframeState{
			ExerciseTaskID:  taskID,
			UserInformation: info,
			UserVariables:   userVariables(a.Result.UserCourseInstanceExerciseServiceVariables, r.ExerciseTaskExerciseServiceSlug),
			Data: protocol.ViewSubmissionData{
				Grading:           r.Grading,
				UserAnswer:        r.Submission.DataJSON,
				PublicSpec:        publicSpec,
				ModelSolutionSpec: r.ModelSolutionSpec,
			},
		})
	}
	return next
}

// fromExercise builds one state per task. Locked chapters only ever show
// submissions. When showPrevious is set, tasks with a previous submission are
// shown as submitted too.
func fromExercise(ex model.CourseMaterialExercise, signedIn, locked, showPrevious bool) State {
	tasks := ex.CurrentExerciseSlide.ExerciseTasks
	next := make(State, 0, len(tasks))
	for _, task := range tasks {
		st := protocol.IframeState{
			ExerciseTaskID:  task.ID,
			UserInformation: userInformation(task, signedIn),
			UserVariables:   userVariables(ex.UserCourseInstanceExerciseServiceVariables, task.ExerciseServiceSlug),
		}
		if locked || (showPrevious && task.PreviousSubmission != nil) {
			var answer json.RawMessage
			if task.PreviousSubmission != nil {
				answer = task.PreviousSubmission.DataJSON
			}
			st.Data = protocol.ViewSubmissionData{
				Grading:           task.PreviousSubmissionGrading,
				UserAnswer:        answer,
				PublicSpec:        task.PublicSpec,
				ModelSolutionSpec: task.ModelSolutionSpec,
			}
		} else {
			st.Data = protocol.ExerciseData{
				PublicSpec:         task.PublicSpec,
				PreviousSubmission: task.PreviousSubmission,
			}
		}
		next = append(next, st)
	}
	return next
}

func userInformation(task model.ExerciseTask, signedIn bool) protocol.UserInformation {
	info := protocol.UserInformation{SignedIn: signedIn}
	if task.PseudonymousUserID != nil {
		info.PseudonymousID = task.PseudonymousUserID.String()
	}
	return info
}

// userVariables picks the variables stored for the given exercise service.
func userVariables(vars []model.UserVariable, slug string) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	for _, v := range vars {
		if v.ExerciseServiceSlug == slug {
			out[v.VariableKey] = v.VariableValue
		}
	}
	return out
}

func publicSpecOf(data protocol.StateData) json.RawMessage {
	switch d := data.(type) {
	case protocol.ExerciseData:
		return d.PublicSpec
	case protocol.ViewSubmissionData:
		return d.PublicSpec
	}
	return nil
}

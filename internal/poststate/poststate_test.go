package poststate

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
	"github.com/pavelanni/coursematerial/internal/protocol"
)

var (
	taskA = uuid.MustParse("11111111-1111-4111-8111-111111111111")
	taskB = uuid.MustParse("22222222-2222-4222-8222-222222222222")
)

func testExercise(withPrevious bool) model.CourseMaterialExercise {
	pseudo := uuid.MustParse("99999999-9999-4999-8999-999999999999")
	ex := model.CourseMaterialExercise{
		CurrentExerciseSlide: model.ExerciseSlide{
			ID: uuid.New(),
			ExerciseTasks: []model.ExerciseTask{
				{ID: taskA, ExerciseServiceSlug: "quizzes", PublicSpec: json.RawMessage(`{"a":1}`), PseudonymousUserID: &pseudo},
				{ID: taskB, ExerciseServiceSlug: "example", PublicSpec: json.RawMessage(`{"b":2}`)},
			},
		},
		UserCourseInstanceExerciseServiceVariables: []model.UserVariable{
			{ExerciseServiceSlug: "quizzes", VariableKey: "seed", VariableValue: json.RawMessage(`42`)},
		},
	}
	if withPrevious {
		ex.CurrentExerciseSlide.ExerciseTasks[0].PreviousSubmission = &model.TaskSubmission{
			ExerciseTaskID: taskA,
			DataJSON:       json.RawMessage(`{"answer":"x"}`),
		}
	}
	return ex
}

func testResult() model.SubmissionResult {
	score := float32(1)
	return model.SubmissionResult{
		ExerciseTaskSubmissionResults: []model.TaskSubmissionResult{
			{
				Submission:                      model.TaskSubmission{ExerciseTaskID: taskA, DataJSON: json.RawMessage(`{"answer":"y"}`)},
				Grading:                         &model.Grading{GradingProgress: model.GradingFullyGraded, ScoreGiven: &score, ScoreMaximum: 1},
				ModelSolutionSpec:               json.RawMessage(`{"correct":"y"}`),
				ExerciseTaskExerciseServiceSlug: "quizzes",
			},
		},
	}
}

func viewSubmission(id uuid.UUID) protocol.IframeState {
	return protocol.IframeState{ExerciseTaskID: id, Data: protocol.ViewSubmissionData{UserAnswer: json.RawMessage(`"old"`)}}
}

func exerciseView(id uuid.UUID) protocol.IframeState {
	return protocol.IframeState{ExerciseTaskID: id, Data: protocol.ExerciseData{PublicSpec: json.RawMessage(`{"old":true}`)}}
}

func sameState(t *testing.T, got, want State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d states, want %d", len(got), len(want))
	}
	for i := range got {
		if !protocol.Equal(&got[i], &want[i]) {
			t.Errorf("state %d differs", i)
		}
	}
}

func TestDownloadedKeepsSubmissionView(t *testing.T) {
	prev := State{viewSubmission(taskA), viewSubmission(taskB)}
	for _, withPrevious := range []bool{false, true} {
		got := Reduce(prev, ExerciseDownloaded{Exercise: testExercise(withPrevious), SignedIn: true})
		sameState(t, got, prev)
	}
}

func TestDownloadedReplacesExerciseView(t *testing.T) {
	prev := State{exerciseView(taskA), exerciseView(taskB)}
	got := Reduce(prev, ExerciseDownloaded{Exercise: testExercise(false), SignedIn: true})
	if len(got) != 2 {
		t.Fatalf("got %d states, want 2", len(got))
	}
	data, ok := got[0].Data.(protocol.ExerciseData)
	if !ok {
		t.Fatalf("task A view = %s, want exercise", got[0].ViewType())
	}
	if string(data.PublicSpec) != `{"a":1}` {
		t.Errorf("public spec = %s, want the downloaded one", data.PublicSpec)
	}
}

func TestDownloadedBuildsStates(t *testing.T) {
	tests := []struct {
		name         string
		prev         State
		withPrevious bool
		locked       bool
		wantA, wantB protocol.ViewType
	}{
		{"first load without answers", nil, false, false, protocol.ViewExercise, protocol.ViewExercise},
		{"first load opens previous submission", nil, true, false, protocol.ViewViewSubmission, protocol.ViewExercise},
		{"refetch while answering keeps answering", State{exerciseView(taskA)}, true, false, protocol.ViewExercise, protocol.ViewExercise},
		{"locked chapter", nil, false, true, protocol.ViewViewSubmission, protocol.ViewViewSubmission},
		{"mixed previous views are replaced", State{viewSubmission(taskA), exerciseView(taskB)}, false, false, protocol.ViewExercise, protocol.ViewExercise},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reduce(tt.prev, ExerciseDownloaded{Exercise: testExercise(tt.withPrevious), ChapterLocked: tt.locked})
			if got.ForTask(taskA).ViewType() != tt.wantA {
				t.Errorf("task A view = %s, want %s", got.ForTask(taskA).ViewType(), tt.wantA)
			}
			if got.ForTask(taskB).ViewType() != tt.wantB {
				t.Errorf("task B view = %s, want %s", got.ForTask(taskB).ViewType(), tt.wantB)
			}
		})
	}
}

func TestDownloadedUserInformationAndVariables(t *testing.T) {
	got := Reduce(nil, ExerciseDownloaded{Exercise: testExercise(false), SignedIn: true})
	a, b := got.ForTask(taskA), got.ForTask(taskB)
	if a.UserInformation.PseudonymousID != "99999999-9999-4999-8999-999999999999" || !a.UserInformation.SignedIn {
		t.Errorf("task A user information = %+v", a.UserInformation)
	}
	if string(a.UserVariables["seed"]) != "42" {
		t.Errorf("task A variables = %v", a.UserVariables)
	}
	if b.UserVariables == nil || len(b.UserVariables) != 0 {
		t.Errorf("task B variables = %v, want empty map", b.UserVariables)
	}
}

func TestGradedAlwaysReplaces(t *testing.T) {
	for _, prev := range []State{nil, {exerciseView(taskA)}, {viewSubmission(taskA)}} {
		got := Reduce(prev, SubmissionGraded{Result: testResult(), SignedIn: true})
		if len(got) != 1 {
			t.Fatalf("got %d states, want 1", len(got))
		}
		data, ok := got[0].Data.(protocol.ViewSubmissionData)
		if !ok {
			t.Fatalf("view = %s, want view-submission", got[0].ViewType())
		}
		if string(data.UserAnswer) != `{"answer":"y"}` || data.Grading == nil {
			t.Errorf("graded data = %+v", data)
		}
		if string(data.ModelSolutionSpec) != `{"correct":"y"}` {
			t.Errorf("model solution = %s", data.ModelSolutionSpec)
		}
	}
}

func TestGradedKeepsPublicSpec(t *testing.T) {
	prev := Reduce(nil, ExerciseDownloaded{Exercise: testExercise(false)})
	got := Reduce(prev, SubmissionGraded{Result: testResult()})
	data := got.ForTask(taskA).Data.(protocol.ViewSubmissionData)
	if string(data.PublicSpec) != `{"a":1}` {
		t.Errorf("public spec = %s, want the one shown before grading", data.PublicSpec)
	}
}

func TestTryAgainAlwaysReplaces(t *testing.T) {
	prev := State{viewSubmission(taskA), viewSubmission(taskB)}
	got := Reduce(prev, TryAgain{Exercise: testExercise(true), SignedIn: true})
	for _, st := range got {
		if st.ViewType() != protocol.ViewExercise {
			t.Errorf("task %s view = %s, want exercise", st.ExerciseTaskID, st.ViewType())
		}
	}
	data := got.ForTask(taskA).Data.(protocol.ExerciseData)
	if data.PreviousSubmission == nil {
		t.Error("try again should hand the previous submission to the plugin")
	}

	locked := Reduce(prev, TryAgain{Exercise: testExercise(true), ChapterLocked: true})
	if !InSubmissionView(locked) {
		t.Error("a locked chapter never shows the exercise view")
	}
}

func TestShowExercise(t *testing.T) {
	states := State{exerciseView(taskA)}
	got := Reduce(State{viewSubmission(taskA)}, ShowExercise{States: states})
	sameState(t, got, states)
	got[0].ExerciseTaskID = taskB
	if states[0].ExerciseTaskID != taskA {
		t.Error("Reduce must not alias the supplied states")
	}
	if Reduce(states, ShowExercise{}) != nil {
		t.Error("showing no states should clear the state")
	}
}

func TestReduceDoesNotModifyPrevious(t *testing.T) {
	prev := State{exerciseView(taskA), exerciseView(taskB)}
	before, _ := json.Marshal(prev)
	Reduce(prev, ExerciseDownloaded{Exercise: testExercise(true)})
	Reduce(prev, SubmissionGraded{Result: testResult()})
	after, _ := json.Marshal(prev)
	if string(before) != string(after) {
		t.Error("previous state was modified")
	}
}

func TestInSubmissionView(t *testing.T) {
	tests := []struct {
		name string
		s    State
		want bool
	}{
		{"nil", nil, false},
		{"all submitted", State{viewSubmission(taskA), viewSubmission(taskB)}, true},
		{"mixed", State{viewSubmission(taskA), exerciseView(taskB)}, false},
		{"answering", State{exerciseView(taskA)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InSubmissionView(tt.s); got != tt.want {
				t.Errorf("InSubmissionView() = %v, want %v", got, tt.want)
			}
		})
	}
}

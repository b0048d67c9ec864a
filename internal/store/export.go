package store

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
)

// ExportResults builds export-ready results for every learner with a state
// on the exercise.
func (s *Store) ExportResults(exerciseID uuid.UUID) ([]model.LearnerResult, error) {
	ex, err := s.GetExercise(exerciseID)
	if err != nil {
		return nil, fmt.Errorf("get exercise: %w", err)
	}
	if ex == nil {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT user_id FROM user_exercise_states WHERE exercise_id = ? ORDER BY user_id`, exerciseID,
	)
	if err != nil {
		return nil, err
	}
	var users []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []model.LearnerResult
	for _, userID := range users {
		st, err := s.GetUserExerciseState(userID, exerciseID)
		if err != nil {
			return nil, fmt.Errorf("get state of %s: %w", userID, err)
		}
		if st == nil {
			continue
		}
		count, err := s.CountSlideSubmissions(ex.SlideID, userID)
		if err != nil {
			return nil, fmt.Errorf("count submissions of %s: %w", userID, err)
		}
		res := model.LearnerResult{
			UserID:         userID,
			Submissions:    count,
			ExerciseStatus: st.ExerciseStatus,
			Tasks:          []model.TaskResult{},
		}

		latest, err := s.LatestSlideSubmission(exerciseID, userID)
		if err != nil {
			return nil, fmt.Errorf("latest submission of %s: %w", userID, err)
		}
		if latest != nil {
			at := latest.CreatedAt
			res.LatestSubmissionAt = &at
			graded, err := s.ListGradedTaskSubmissions(latest.ID)
			if err != nil {
				return nil, fmt.Errorf("list task submissions of %s: %w", latest.ID, err)
			}
			for _, g := range graded {
				tr := model.TaskResult{TaskID: g.Submission.ExerciseTaskID}
				if g.Grading != nil {
					tr.GradingProgress = g.Grading.GradingProgress
					tr.ScoreGiven = g.Grading.ScoreGiven
					tr.ScoreMaximum = g.Grading.ScoreMaximum
					tr.FeedbackText = g.Grading.FeedbackText
				}
				res.Tasks = append(res.Tasks, tr)
			}
		}
		results = append(results, res)
	}
	return results, nil
}

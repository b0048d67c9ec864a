package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
)

// CreateSlideSubmission stores a slide submit with every task answer and its
// grading. IDs and timestamps left zero are filled in.
func (s *Store) CreateSlideSubmission(sub model.SlideSubmission, tasks []model.GradedTaskSubmission) (model.SlideSubmission, []model.GradedTaskSubmission, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return sub, nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO slide_submissions (id, created_at, exercise_slide_id, exercise_id, user_id) VALUES (?, ?, ?, ?, ?)`,
		sub.ID, sub.CreatedAt, sub.ExerciseSlideID, sub.ExerciseID, sub.UserID,
	)
	if err != nil {
		return sub, nil, fmt.Errorf("insert slide submission: %w", err)
	}

	out := make([]model.GradedTaskSubmission, 0, len(tasks))
	for _, t := range tasks {
		ts := t.Submission
		if ts.ID == uuid.Nil {
			ts.ID = uuid.New()
		}
		ts.CreatedAt = sub.CreatedAt
		ts.ExerciseSlideSubmissionID = sub.ID
		_, err := tx.Exec(
			`INSERT INTO task_submissions (id, created_at, slide_submission_id, exercise_task_id, data_json, files_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ts.ID, ts.CreatedAt, ts.ExerciseSlideSubmissionID, ts.ExerciseTaskID, jsonArg(ts.DataJSON), filesArg(ts.Files),
		)
		if err != nil {
			return sub, nil, fmt.Errorf("insert task submission: %w", err)
		}
		g := t.Grading
		if g != nil {
			cp := *g
			if cp.ID == uuid.Nil {
				cp.ID = uuid.New()
			}
			cp.ExerciseTaskSubmissionID = ts.ID
			_, err := tx.Exec(
				`INSERT INTO gradings (id, task_submission_id, grading_progress, score_given, score_maximum, feedback_text, feedback_json)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				cp.ID, cp.ExerciseTaskSubmissionID, cp.GradingProgress, float32Arg(cp.ScoreGiven), cp.ScoreMaximum,
				stringArg(cp.FeedbackText), jsonArg(cp.FeedbackJSON),
			)
			if err != nil {
				return sub, nil, fmt.Errorf("insert grading: %w", err)
			}
			g = &cp
		}
		out = append(out, model.GradedTaskSubmission{Submission: ts, Grading: g})
	}
	return sub, out, tx.Commit()
}

const slideColumns = `id, created_at, exercise_slide_id, exercise_id, user_id`

func scanSlide(row interface{ Scan(...any) error }) (model.SlideSubmission, error) {
	var sub model.SlideSubmission
	err := row.Scan(&sub.ID, &sub.CreatedAt, &sub.ExerciseSlideID, &sub.ExerciseID, &sub.UserID)
	return sub, err
}

// GetSlideSubmission returns a slide submission by ID, or nil.
func (s *Store) GetSlideSubmission(id uuid.UUID) (*model.SlideSubmission, error) {
	sub, err := scanSlide(s.db.QueryRow(`SELECT `+slideColumns+` FROM slide_submissions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// LatestSlideSubmission returns a learner's newest submission to an exercise, or nil.
func (s *Store) LatestSlideSubmission(exerciseID, userID uuid.UUID) (*model.SlideSubmission, error) {
	sub, err := scanSlide(s.db.QueryRow(
		`SELECT `+slideColumns+` FROM slide_submissions WHERE exercise_id = ? AND user_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, exerciseID, userID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CountSlideSubmissions returns how many times a learner has submitted a slide.
func (s *Store) CountSlideSubmissions(slideID, userID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM slide_submissions WHERE exercise_slide_id = ? AND user_id = ?`, slideID, userID,
	).Scan(&n)
	return n, err
}

// RandomSlideSubmission returns a random submission to an exercise by anyone
// but userID, skipping the excluded submissions. Nil means there is none.
func (s *Store) RandomSlideSubmission(exerciseID, userID uuid.UUID, excluded []uuid.UUID) (*model.SlideSubmission, error) {
	query := `SELECT ` + slideColumns + ` FROM slide_submissions WHERE exercise_id = ? AND user_id != ?`
	args := []any{exerciseID, userID}
	query, args = excludeIDs(query, args, "id", excluded)
	query += ` ORDER BY RANDOM() LIMIT 1`
	sub, err := scanSlide(s.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListGradedTaskSubmissions returns the task answers of a slide submission
// with their gradings.
func (s *Store) ListGradedTaskSubmissions(slideSubmissionID uuid.UUID) ([]model.GradedTaskSubmission, error) {
	rows, err := s.db.Query(
		`SELECT t.id, t.created_at, t.slide_submission_id, t.exercise_task_id, t.data_json, t.files_json,
		 g.id, g.grading_progress, g.score_given, g.score_maximum, g.feedback_text, g.feedback_json
		 FROM task_submissions t LEFT JOIN gradings g ON g.task_submission_id = t.id
		 WHERE t.slide_submission_id = ? ORDER BY t.rowid`, slideSubmissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.GradedTaskSubmission
	for rows.Next() {
		var (
			ts                   model.TaskSubmission
			data, files          sql.NullString
			gradingID            uuid.NullUUID
			progress             sql.NullString
			score                sql.NullFloat64
			scoreMax             sql.NullInt64
			feedback, feedbackJS sql.NullString
		)
		if err := rows.Scan(&ts.ID, &ts.CreatedAt, &ts.ExerciseSlideSubmissionID, &ts.ExerciseTaskID, &data, &files,
			&gradingID, &progress, &score, &scoreMax, &feedback, &feedbackJS); err != nil {
			return nil, err
		}
		ts.DataJSON = rawJSON(data)
		if files.Valid {
			if err := json.Unmarshal([]byte(files.String), &ts.Files); err != nil {
				return nil, fmt.Errorf("decode files of task submission %s: %w", ts.ID, err)
			}
		}
		g := model.GradedTaskSubmission{Submission: ts}
		if gradingID.Valid {
			g.Grading = &model.Grading{
				ID:                       gradingID.UUID,
				ExerciseTaskSubmissionID: ts.ID,
				GradingProgress:          model.GradingProgress(progress.String),
				ScoreGiven:               nullFloat32(score),
				ScoreMaximum:             int(scoreMax.Int64),
				FeedbackText:             nullString(feedback),
				FeedbackJSON:             rawJSON(feedbackJS),
			}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetUserExerciseState returns a learner's state on an exercise, or nil.
func (s *Store) GetUserExerciseState(userID, exerciseID uuid.UUID) (*model.UserExerciseState, error) {
	st := model.UserExerciseState{UserID: userID, ExerciseID: exerciseID}
	var score sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT score_given, activity_progress, grading_progress, reviewing_stage
		 FROM user_exercise_states WHERE user_id = ? AND exercise_id = ?`, userID, exerciseID,
	).Scan(&score, &st.ActivityProgress, &st.GradingProgress, &st.ReviewingStage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.ScoreGiven = nullFloat32(score)
	return &st, nil
}

// UpsertUserExerciseState stores a learner's state on an exercise.
func (s *Store) UpsertUserExerciseState(st model.UserExerciseState) error {
	_, err := s.db.Exec(
		`INSERT INTO user_exercise_states (user_id, exercise_id, score_given, activity_progress, grading_progress, reviewing_stage)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, exercise_id) DO UPDATE SET score_given = excluded.score_given,
		 activity_progress = excluded.activity_progress, grading_progress = excluded.grading_progress,
		 reviewing_stage = excluded.reviewing_stage`,
		st.UserID, st.ExerciseID, float32Arg(st.ScoreGiven), st.ActivityProgress, st.GradingProgress, st.ReviewingStage,
	)
	return err
}

// SetUserVariables stores values exercise services asked to remember.
func (s *Store) SetUserVariables(userID uuid.UUID, vars []model.UserVariable) error {
	if len(vars) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, v := range vars {
		_, err := tx.Exec(
			`INSERT INTO user_variables (user_id, exercise_service_slug, variable_key, variable_value) VALUES (?, ?, ?, ?)
			 ON CONFLICT(user_id, exercise_service_slug, variable_key) DO UPDATE SET variable_value = excluded.variable_value`,
			userID, v.ExerciseServiceSlug, v.VariableKey, jsonArg(v.VariableValue),
		)
		if err != nil {
			return fmt.Errorf("set user variable %s: %w", v.VariableKey, err)
		}
	}
	return tx.Commit()
}

// ListUserVariables returns every variable remembered for a learner.
func (s *Store) ListUserVariables(userID uuid.UUID) ([]model.UserVariable, error) {
	rows, err := s.db.Query(
		`SELECT exercise_service_slug, variable_key, variable_value FROM user_variables
		 WHERE user_id = ? ORDER BY exercise_service_slug, variable_key`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	vars := []model.UserVariable{}
	for rows.Next() {
		var (
			v     model.UserVariable
			value sql.NullString
		)
		if err := rows.Scan(&v.ExerciseServiceSlug, &v.VariableKey, &value); err != nil {
			return nil, err
		}
		v.VariableValue = rawJSON(value)
		if v.VariableValue == nil {
			v.VariableValue = json.RawMessage("null")
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

func filesArg(files map[string]string) any {
	if len(files) == 0 {
		return nil
	}
	b, err := json.Marshal(files)
	if err != nil {
		return nil
	}
	return string(b)
}

func excludeIDs(query string, args []any, column string, ids []uuid.UUID) (string, []any) {
	if len(ids) == 0 {
		return query, args
	}
	query += ` AND ` + column + ` NOT IN (?` + repeatPlaceholder(len(ids)-1) + `)`
	for _, id := range ids {
		args = append(args, id)
	}
	return query, args
}

func repeatPlaceholder(n int) string {
	out := make([]byte, 0, 3*n)
	for range n {
		out = append(out, ", ?"...)
	}
	return string(out)
}

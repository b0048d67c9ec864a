package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
)

// ImportExercise creates or replaces an exercise with its tasks and review
// configuration.
func (s *Store) ImportExercise(e model.ExerciseImport) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var chapter uuid.NullUUID
	if e.ChapterID != nil {
		chapter = uuid.NullUUID{UUID: *e.ChapterID, Valid: true}
	}
	scoreMax := e.ScoreMaximum
	if scoreMax <= 0 {
		scoreMax = 1
	}
	_, err = tx.Exec(
		`INSERT INTO exercises (id, name, chapter_id, deadline, score_maximum, max_tries_per_slide,
		 limit_number_of_tries, needs_peer_review, needs_self_review, is_exam, slide_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, chapter_id = excluded.chapter_id,
		 deadline = excluded.deadline, score_maximum = excluded.score_maximum,
		 max_tries_per_slide = excluded.max_tries_per_slide, limit_number_of_tries = excluded.limit_number_of_tries,
		 needs_peer_review = excluded.needs_peer_review, needs_self_review = excluded.needs_self_review,
		 is_exam = excluded.is_exam, slide_id = excluded.slide_id`,
		e.ID, e.Name, chapter, e.Deadline, scoreMax, e.MaxTriesPerSlide,
		e.LimitNumberOfTries, e.NeedsPeerReview, e.NeedsSelfReview, e.IsExam, e.SlideID,
	)
	if err != nil {
		return fmt.Errorf("upsert exercise: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM exercise_tasks WHERE exercise_id = ?`, e.ID); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	for _, t := range e.Tasks {
		_, err := tx.Exec(
			`INSERT INTO exercise_tasks (id, exercise_id, exercise_slide_id, exercise_service_slug,
			 exercise_iframe_url, assignment, public_spec, private_spec, model_solution_spec, order_number)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, e.ID, e.SlideID, t.ExerciseServiceSlug, t.ExerciseIframeURL,
			jsonArg(t.Assignment), jsonArg(t.PublicSpec), jsonArg(t.PrivateSpec), jsonArg(t.ModelSolutionSpec), t.OrderNumber,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	if _, err := tx.Exec(
		`DELETE FROM review_questions WHERE config_id IN (SELECT id FROM review_configs WHERE exercise_id = ?)`, e.ID,
	); err != nil {
		return fmt.Errorf("delete review questions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM review_configs WHERE exercise_id = ?`, e.ID); err != nil {
		return fmt.Errorf("delete review config: %w", err)
	}
	if r := e.Review; r != nil {
		configID := r.ID
		if configID == uuid.Nil {
			configID = uuid.New()
		}
		_, err := tx.Exec(
			`INSERT INTO review_configs (id, exercise_id, peer_reviews_to_give, peer_reviews_to_receive,
			 accepting_threshold, processing_strategy, review_instructions) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			configID, e.ID, r.PeerReviewsToGive, r.PeerReviewsToReceive, r.AcceptingThreshold,
			r.ProcessingStrategy, jsonArg(r.ReviewInstructions),
		)
		if err != nil {
			return fmt.Errorf("insert review config: %w", err)
		}
		for i, q := range r.Questions {
			id := q.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			order := q.OrderNumber
			if order == 0 {
				order = i
			}
			_, err := tx.Exec(
				`INSERT INTO review_questions (id, config_id, order_number, question, question_type, answer_required, weight)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, configID, order, q.Question, q.QuestionType, q.AnswerRequired, q.Weight,
			)
			if err != nil {
				return fmt.Errorf("insert review question: %w", err)
			}
		}
	}

	return tx.Commit()
}

// GetExercise returns an exercise by ID, or nil if there is none.
func (s *Store) GetExercise(id uuid.UUID) (*model.StoredExercise, error) {
	var (
		e        model.StoredExercise
		chapter  uuid.NullUUID
		deadline sql.NullTime
		maxTries sql.NullInt64
	)
	err := s.db.QueryRow(
		`SELECT id, name, chapter_id, deadline, score_maximum, max_tries_per_slide, limit_number_of_tries,
		 needs_peer_review, needs_self_review, is_exam, slide_id FROM exercises WHERE id = ?`, id,
	).Scan(&e.ID, &e.Name, &chapter, &deadline, &e.ScoreMaximum, &maxTries, &e.LimitNumberOfTries,
		&e.NeedsPeerReview, &e.NeedsSelfReview, &e.IsExam, &e.SlideID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if chapter.Valid {
		e.ChapterID = &chapter.UUID
	}
	if deadline.Valid {
		e.Deadline = &deadline.Time
	}
	if maxTries.Valid {
		n := int(maxTries.Int64)
		e.MaxTriesPerSlide = &n
	}
	return &e, nil
}

const taskColumns = `id, exercise_id, exercise_slide_id, exercise_service_slug, exercise_iframe_url,
	assignment, public_spec, private_spec, model_solution_spec, order_number`

func scanTask(row interface{ Scan(...any) error }) (model.StoredTask, error) {
	var (
		t                                   model.StoredTask
		assignment, public, private, solved sql.NullString
	)
	err := row.Scan(&t.ID, &t.ExerciseID, &t.ExerciseSlideID, &t.ExerciseServiceSlug, &t.ExerciseIframeURL,
		&assignment, &public, &private, &solved, &t.OrderNumber)
	t.Assignment = rawJSON(assignment)
	t.PublicSpec = rawJSON(public)
	t.PrivateSpec = rawJSON(private)
	t.ModelSolutionSpec = rawJSON(solved)
	return t, err
}

// ListTasks returns the tasks of a slide in display order.
func (s *Store) ListTasks(slideID uuid.UUID) ([]model.StoredTask, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM exercise_tasks WHERE exercise_slide_id = ? ORDER BY order_number, id`, slideID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []model.StoredTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetReviewConfig returns the review configuration of an exercise, or nil.
func (s *Store) GetReviewConfig(exerciseID uuid.UUID) (*model.PeerOrSelfReviewConfig, error) {
	var (
		c            model.PeerOrSelfReviewConfig
		exercise     uuid.UUID
		instructions sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT id, exercise_id, peer_reviews_to_give, peer_reviews_to_receive, accepting_threshold,
		 processing_strategy, review_instructions FROM review_configs WHERE exercise_id = ?`, exerciseID,
	).Scan(&c.ID, &exercise, &c.PeerReviewsToGive, &c.PeerReviewsToReceive, &c.AcceptingThreshold,
		&c.ProcessingStrategy, &instructions)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ExerciseID = &exercise
	c.ReviewInstructions = rawJSON(instructions)
	return &c, nil
}

// ListReviewQuestions returns the questions of a review configuration in order.
func (s *Store) ListReviewQuestions(configID uuid.UUID) ([]model.PeerOrSelfReviewQuestion, error) {
	rows, err := s.db.Query(
		`SELECT id, config_id, order_number, question, question_type, answer_required, weight
		 FROM review_questions WHERE config_id = ? ORDER BY order_number`, configID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.PeerOrSelfReviewQuestion
	for rows.Next() {
		var q model.PeerOrSelfReviewQuestion
		if err := rows.Scan(&q.ID, &q.PeerOrSelfReviewConfigID, &q.OrderNumber, &q.Question, &q.QuestionType,
			&q.AnswerRequired, &q.Weight); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/coursematerial/internal/model"
)

// CreateReviewSubmission stores a completed review with its answers and
// forgets the answer that was offered to the reviewer.
func (s *Store) CreateReviewSubmission(sub model.PeerOrSelfReviewSubmission, answers []model.PeerOrSelfReviewQuestionAnswer) (model.PeerOrSelfReviewSubmission, error) {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return sub, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO review_submissions (id, created_at, user_id, exercise_id, config_id, slide_submission_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.CreatedAt, sub.UserID, sub.ExerciseID, sub.PeerOrSelfReviewConfigID, sub.ExerciseSlideSubmissionID,
	)
	if err != nil {
		return sub, fmt.Errorf("insert review submission: %w", err)
	}
	for _, a := range answers {
		_, err := tx.Exec(
			`INSERT INTO review_question_submissions (id, created_at, question_id, review_submission_id, text_data, number_data)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.New(), sub.CreatedAt, a.PeerOrSelfReviewQuestionID, sub.ID, stringArg(a.TextData), float32Arg(a.NumberData),
		)
		if err != nil {
			return sub, fmt.Errorf("insert review answer: %w", err)
		}
	}
	if _, err := tx.Exec(
		`DELETE FROM offered_answers WHERE exercise_id = ? AND user_id = ?`, sub.ExerciseID, sub.UserID,
	); err != nil {
		return sub, fmt.Errorf("delete offered answer: %w", err)
	}
	return sub, tx.Commit()
}

// HasReviewed reports whether a user has already reviewed a slide submission.
func (s *Store) HasReviewed(userID, slideSubmissionID uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM review_submissions WHERE user_id = ? AND slide_submission_id = ?`, userID, slideSubmissionID,
	).Scan(&n)
	return n > 0, err
}

// CountPeerReviewsGiven counts the reviews a user has given to other
// learners' submissions of an exercise.
func (s *Store) CountPeerReviewsGiven(userID, exerciseID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM review_submissions r JOIN slide_submissions ss ON ss.id = r.slide_submission_id
		 WHERE r.user_id = ? AND r.exercise_id = ? AND ss.user_id != r.user_id`, userID, exerciseID,
	).Scan(&n)
	return n, err
}

// SelfReviewDone reports whether a user has reviewed their own submission.
func (s *Store) SelfReviewDone(userID, slideSubmissionID uuid.UUID) (bool, error) {
	return s.HasReviewed(userID, slideSubmissionID)
}

// LastPeerReviewTime returns when a user last gave a peer review to any
// exercise. The zero time means never.
func (s *Store) LastPeerReviewTime(userID uuid.UUID) (time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRow(
		`SELECT r.created_at FROM review_submissions r JOIN slide_submissions ss ON ss.id = r.slide_submission_id
		 WHERE r.user_id = ? AND ss.user_id != r.user_id ORDER BY r.created_at DESC LIMIT 1`, userID,
	).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return t.Time, err
}

// ExcludedFromReview returns the slide submissions of an exercise a user
// has already reviewed or flagged.
func (s *Store) ExcludedFromReview(userID, exerciseID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(
		`SELECT slide_submission_id FROM review_submissions WHERE user_id = ? AND exercise_id = ?
		 UNION
		 SELECT f.slide_submission_id FROM flagged_answers f JOIN slide_submissions ss ON ss.id = f.slide_submission_id
		 WHERE f.flagged_by = ? AND ss.exercise_id = ?`,
		userID, exerciseID, userID, exerciseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPeerReviewsReceived counts reviews of a slide submission by anyone
// but its author.
func (s *Store) CountPeerReviewsReceived(slideSubmissionID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM review_submissions r JOIN slide_submissions ss ON ss.id = r.slide_submission_id
		 WHERE r.slide_submission_id = ? AND r.user_id != ss.user_id`, slideSubmissionID,
	).Scan(&n)
	return n, err
}

// AveragePeerScore returns the mean of the scale answers other learners gave
// to a slide submission, weighted by question weight when weights are set.
// Nil means no scale answers were received.
func (s *Store) AveragePeerScore(slideSubmissionID uuid.UUID) (*float32, error) {
	var sum, weights sql.NullFloat64
	var count int
	err := s.db.QueryRow(
		`SELECT SUM(qs.number_data * q.weight), SUM(q.weight), COUNT(qs.number_data)
		 FROM review_question_submissions qs
		 JOIN review_questions q ON q.id = qs.question_id
		 JOIN review_submissions r ON r.id = qs.review_submission_id
		 JOIN slide_submissions ss ON ss.id = r.slide_submission_id
		 WHERE r.slide_submission_id = ? AND r.user_id != ss.user_id
		 AND q.question_type = ? AND qs.number_data IS NOT NULL`,
		slideSubmissionID, model.QuestionScale,
	).Scan(&sum, &weights, &count)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	if weights.Valid && weights.Float64 > 0 {
		avg := float32(sum.Float64 / weights.Float64)
		return &avg, nil
	}
	var plain float64
	err = s.db.QueryRow(
		`SELECT AVG(qs.number_data) FROM review_question_submissions qs
		 JOIN review_questions q ON q.id = qs.question_id
		 JOIN review_submissions r ON r.id = qs.review_submission_id
		 JOIN slide_submissions ss ON ss.id = r.slide_submission_id
		 WHERE r.slide_submission_id = ? AND r.user_id != ss.user_id
		 AND q.question_type = ? AND qs.number_data IS NOT NULL`,
		slideSubmissionID, model.QuestionScale,
	).Scan(&plain)
	if err != nil {
		return nil, err
	}
	avg := float32(plain)
	return &avg, nil
}

// ReceivedReviews returns every review of a slide submission with its answers.
func (s *Store) ReceivedReviews(slideSubmissionID uuid.UUID) ([]model.PeerOrSelfReviewSubmission, []model.PeerOrSelfReviewQuestionSubmission, error) {
	rows, err := s.db.Query(
		`SELECT id, created_at, user_id, exercise_id, config_id, slide_submission_id
		 FROM review_submissions WHERE slide_submission_id = ? ORDER BY created_at`, slideSubmissionID,
	)
	if err != nil {
		return nil, nil, err
	}
	var subs []model.PeerOrSelfReviewSubmission
	for rows.Next() {
		var r model.PeerOrSelfReviewSubmission
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.UserID, &r.ExerciseID, &r.PeerOrSelfReviewConfigID, &r.ExerciseSlideSubmissionID); err != nil {
			rows.Close()
			return nil, nil, err
		}
		subs = append(subs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = s.db.Query(
		`SELECT qs.id, qs.created_at, qs.question_id, qs.review_submission_id, qs.text_data, qs.number_data
		 FROM review_question_submissions qs JOIN review_submissions r ON r.id = qs.review_submission_id
		 WHERE r.slide_submission_id = ? ORDER BY qs.created_at`, slideSubmissionID,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var answers []model.PeerOrSelfReviewQuestionSubmission
	for rows.Next() {
		var (
			a      model.PeerOrSelfReviewQuestionSubmission
			text   sql.NullString
			number sql.NullFloat64
		)
		if err := rows.Scan(&a.ID, &a.CreatedAt, &a.PeerOrSelfReviewQuestionID, &a.PeerOrSelfReviewSubmissionID, &text, &number); err != nil {
			return nil, nil, err
		}
		a.TextData = nullString(text)
		a.NumberData = nullFloat32(number)
		answers = append(answers, a)
	}
	return subs, answers, rows.Err()
}

// FlagAnswer records a reviewer's report. Reporting the same answer twice
// is rejected by the unique constraint.
func (s *Store) FlagAnswer(f model.FlaggedAnswer) (model.FlaggedAnswer, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO flagged_answers (id, created_at, slide_submission_id, flagged_user, flagged_by, reason, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CreatedAt, f.ExerciseSlideSubmissionID, f.FlaggedUser, f.FlaggedBy, f.Reason, f.Description,
	)
	return f, err
}

// HasFlagged reports whether a user has already reported a slide submission.
func (s *Store) HasFlagged(userID, slideSubmissionID uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM flagged_answers WHERE flagged_by = ? AND slide_submission_id = ?`, userID, slideSubmissionID,
	).Scan(&n)
	return n > 0, err
}

// SaveOfferedAnswer remembers which submission was offered to a reviewer.
func (s *Store) SaveOfferedAnswer(exerciseID, userID, slideSubmissionID uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO offered_answers (exercise_id, user_id, slide_submission_id, offered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(exercise_id, user_id) DO UPDATE SET slide_submission_id = excluded.slide_submission_id,
		 offered_at = excluded.offered_at`,
		exerciseID, userID, slideSubmissionID, at.UTC(),
	)
	return err
}

// OfferedAnswer returns the submission offered to a reviewer after since, or
// nil. Older offers are deleted.
func (s *Store) OfferedAnswer(exerciseID, userID uuid.UUID, since time.Time) (*uuid.UUID, error) {
	var (
		id      uuid.UUID
		offered time.Time
	)
	err := s.db.QueryRow(
		`SELECT slide_submission_id, offered_at FROM offered_answers WHERE exercise_id = ? AND user_id = ?`,
		exerciseID, userID,
	).Scan(&id, &offered)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if offered.Before(since) {
		_, err := s.db.Exec(`DELETE FROM offered_answers WHERE exercise_id = ? AND user_id = ?`, exerciseID, userID)
		return nil, err
	}
	return &id, nil
}

// UpsertQueueEntry puts a learner's latest submission in the peer review queue.
func (s *Store) UpsertQueueEntry(e model.PeerReviewQueueEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO peer_review_queue (user_id, exercise_id, slide_submission_id, peer_review_priority, received_enough)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, exercise_id) DO UPDATE SET slide_submission_id = excluded.slide_submission_id,
		 peer_review_priority = excluded.peer_review_priority, received_enough = excluded.received_enough`,
		e.UserID, e.ExerciseID, e.ExerciseSlideSubmissionID, e.PeerReviewPriority, e.ReceivedEnoughPeerReviews,
	)
	return err
}

// QueueEntryForSubmission returns the queue entry of a slide submission, or nil.
func (s *Store) QueueEntryForSubmission(slideSubmissionID uuid.UUID) (*model.PeerReviewQueueEntry, error) {
	var e model.PeerReviewQueueEntry
	err := s.db.QueryRow(
		`SELECT user_id, exercise_id, slide_submission_id, peer_review_priority, received_enough
		 FROM peer_review_queue WHERE slide_submission_id = ?`, slideSubmissionID,
	).Scan(&e.UserID, &e.ExerciseID, &e.ExerciseSlideSubmissionID, &e.PeerReviewPriority, &e.ReceivedEnoughPeerReviews)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkReceivedEnough flags a queue entry as done. It is never unset.
func (s *Store) MarkReceivedEnough(slideSubmissionID uuid.UUID) error {
	_, err := s.db.Exec(`UPDATE peer_review_queue SET received_enough = 1 WHERE slide_submission_id = ?`, slideSubmissionID)
	return err
}

// QueueCandidates returns up to limit queued submissions of an exercise not
// written by userID and not excluded, highest priority first. With
// needingReviews set only entries still short of reviews are returned.
func (s *Store) QueueCandidates(exerciseID, userID uuid.UUID, excluded []uuid.UUID, needingReviews bool, limit int) ([]model.PeerReviewQueueEntry, error) {
	query := `SELECT user_id, exercise_id, slide_submission_id, peer_review_priority, received_enough
		FROM peer_review_queue WHERE exercise_id = ? AND user_id != ?`
	args := []any{exerciseID, userID}
	if needingReviews {
		query += ` AND received_enough = 0`
	}
	query, args = excludeIDs(query, args, "slide_submission_id", excluded)
	query += ` ORDER BY peer_review_priority DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.PeerReviewQueueEntry
	for rows.Next() {
		var e model.PeerReviewQueueEntry
		if err := rows.Scan(&e.UserID, &e.ExerciseID, &e.ExerciseSlideSubmissionID, &e.PeerReviewPriority, &e.ReceivedEnoughPeerReviews); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

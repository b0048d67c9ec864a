package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a fresh database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exercises (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		chapter_id TEXT,
		deadline DATETIME,
		score_maximum INTEGER NOT NULL DEFAULT 1,
		max_tries_per_slide INTEGER,
		limit_number_of_tries INTEGER NOT NULL DEFAULT 0,
		needs_peer_review INTEGER NOT NULL DEFAULT 0,
		needs_self_review INTEGER NOT NULL DEFAULT 0,
		is_exam INTEGER NOT NULL DEFAULT 0,
		slide_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exercise_tasks (
		id TEXT PRIMARY KEY,
		exercise_id TEXT NOT NULL,
		exercise_slide_id TEXT NOT NULL,
		exercise_service_slug TEXT NOT NULL,
		exercise_iframe_url TEXT NOT NULL DEFAULT '',
		assignment TEXT,
		public_spec TEXT,
		private_spec TEXT,
		model_solution_spec TEXT,
		order_number INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (exercise_id) REFERENCES exercises(id)
	);

	CREATE TABLE IF NOT EXISTS slide_submissions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		exercise_slide_id TEXT NOT NULL,
		exercise_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		FOREIGN KEY (exercise_id) REFERENCES exercises(id)
	);
	CREATE INDEX IF NOT EXISTS slide_submissions_user ON slide_submissions (exercise_id, user_id, created_at);

	CREATE TABLE IF NOT EXISTS task_submissions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		slide_submission_id TEXT NOT NULL,
		exercise_task_id TEXT NOT NULL,
		data_json TEXT,
		files_json TEXT,
		FOREIGN KEY (slide_submission_id) REFERENCES slide_submissions(id)
	);

	CREATE TABLE IF NOT EXISTS gradings (
		id TEXT PRIMARY KEY,
		task_submission_id TEXT NOT NULL UNIQUE,
		grading_progress TEXT NOT NULL,
		score_given REAL,
		score_maximum INTEGER NOT NULL DEFAULT 0,
		feedback_text TEXT,
		feedback_json TEXT,
		FOREIGN KEY (task_submission_id) REFERENCES task_submissions(id)
	);

	CREATE TABLE IF NOT EXISTS user_exercise_states (
		user_id TEXT NOT NULL,
		exercise_id TEXT NOT NULL,
		score_given REAL,
		activity_progress TEXT NOT NULL,
		grading_progress TEXT NOT NULL,
		reviewing_stage TEXT NOT NULL,
		PRIMARY KEY (user_id, exercise_id)
	);

	CREATE TABLE IF NOT EXISTS user_variables (
		user_id TEXT NOT NULL,
		exercise_service_slug TEXT NOT NULL,
		variable_key TEXT NOT NULL,
		variable_value TEXT,
		PRIMARY KEY (user_id, exercise_service_slug, variable_key)
	);

	CREATE TABLE IF NOT EXISTS review_configs (
		id TEXT PRIMARY KEY,
		exercise_id TEXT NOT NULL UNIQUE,
		peer_reviews_to_give INTEGER NOT NULL,
		peer_reviews_to_receive INTEGER NOT NULL,
		accepting_threshold REAL NOT NULL DEFAULT 0,
		processing_strategy TEXT NOT NULL,
		review_instructions TEXT,
		FOREIGN KEY (exercise_id) REFERENCES exercises(id)
	);

	CREATE TABLE IF NOT EXISTS review_questions (
		id TEXT PRIMARY KEY,
		config_id TEXT NOT NULL,
		order_number INTEGER NOT NULL,
		question TEXT NOT NULL,
		question_type TEXT NOT NULL,
		answer_required INTEGER NOT NULL DEFAULT 1,
		weight REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (config_id) REFERENCES review_configs(id)
	);

	CREATE TABLE IF NOT EXISTS review_submissions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		user_id TEXT NOT NULL,
		exercise_id TEXT NOT NULL,
		config_id TEXT NOT NULL,
		slide_submission_id TEXT NOT NULL,
		FOREIGN KEY (slide_submission_id) REFERENCES slide_submissions(id)
	);
	CREATE INDEX IF NOT EXISTS review_submissions_giver ON review_submissions (user_id, exercise_id);

	CREATE TABLE IF NOT EXISTS review_question_submissions (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		question_id TEXT NOT NULL,
		review_submission_id TEXT NOT NULL,
		text_data TEXT,
		number_data REAL,
		FOREIGN KEY (review_submission_id) REFERENCES review_submissions(id)
	);

	CREATE TABLE IF NOT EXISTS flagged_answers (
		id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		slide_submission_id TEXT NOT NULL,
		flagged_user TEXT NOT NULL,
		flagged_by TEXT NOT NULL,
		reason TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		UNIQUE (slide_submission_id, flagged_by)
	);

	CREATE TABLE IF NOT EXISTS peer_review_queue (
		user_id TEXT NOT NULL,
		exercise_id TEXT NOT NULL,
		slide_submission_id TEXT NOT NULL,
		peer_review_priority INTEGER NOT NULL DEFAULT 0,
		received_enough INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, exercise_id)
	);

	CREATE TABLE IF NOT EXISTS offered_answers (
		exercise_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		slide_submission_id TEXT NOT NULL,
		offered_at DATETIME NOT NULL,
		PRIMARY KEY (exercise_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetImportedFileHash returns the hash recorded for an imported file, or an
// empty string if the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the hash of an imported file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash`,
		path, hash,
	)
	return err
}

// jsonArg stores an empty raw message as NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullFloat32(nf sql.NullFloat64) *float32 {
	if !nf.Valid {
		return nil
	}
	v := float32(nf.Float64)
	return &v
}

func float32Arg(f *float32) any {
	if f == nil {
		return nil
	}
	return float64(*f)
}

func stringArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/coursematerial/internal/backend"
	"github.com/pavelanni/coursematerial/internal/course"
	"github.com/pavelanni/coursematerial/internal/filestore"
	"github.com/pavelanni/coursematerial/internal/grading"
	"github.com/pavelanni/coursematerial/internal/handler"
	appI18n "github.com/pavelanni/coursematerial/internal/i18n"
	"github.com/pavelanni/coursematerial/internal/model"
	"github.com/pavelanni/coursematerial/internal/store"
)

func main() {
	// A missing .env is fine; the environment may come from elsewhere.
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coursematerial",
		Short: "Course-material host for sandboxed exercise plugins",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `coursematerial --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the course-material host",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "coursematerial.db", "SQLite database path")
	f.StringSliceP("exercises", "e", nil, "Paths to exercise JSON files imported on start (repeatable)")
	f.StringP("lang", "l", "en", "Default language (en, ru)")
	f.String("backend-url", "", "Remote course-material API base URL (empty = serve it in-process)")
	f.String("token-secret", "", "Secret for signing peer review tokens (empty = random per start)")
	f.Duration("handshake-timeout", 30*time.Second, "How long an exercise frame may take to become ready")
	f.String("upload-backend", "bolt", "Where submitted files go (bolt, b2)")
	f.String("upload-db", "uploads.db", "bbolt file for uploads when upload-backend is bolt")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL for essay grading")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name (empty = no essay grading)")
	f.String("prompt-variant", string(grading.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /course)")
	f.Bool("secure-cookies", true, "Set Secure flag on learner cookies")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import exercises from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.String("db", "coursematerial.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the learners' results on an exercise as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "coursematerial.db", "SQLite database path")
	f.String("exercise-id", "", "Exercise to export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("exercise-id")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("COURSEMATERIAL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("coursematerial")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/coursematerial")
	v.AddConfigPath("/etc/coursematerial")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := importExercises(db, v.GetStringSlice("exercises")); err != nil {
		return fmt.Errorf("import exercises: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	cfg := handler.Config{Store: db, Logger: slog.Default()}

	switch backendURL := v.GetString("backend-url"); backendURL {
	case "":
		svc, err := newCourseService(ctx, v, db)
		if err != nil {
			return err
		}
		cfg.Backend = svc
		cfg.API = svc
	default:
		cfg.Backend = backend.NewHTTPClient(backendURL, &http.Client{Timeout: 30 * time.Second})
		slog.Info("using remote course-material API", "url", backendURL)
	}

	switch up := strings.ToLower(v.GetString("upload-backend")); up {
	case "bolt":
		files, err := filestore.OpenBolt(v.GetString("upload-db"), basePath+"/files")
		if err != nil {
			return fmt.Errorf("open upload store: %w", err)
		}
		defer files.Close()
		cfg.Files = files
		cfg.Uploads = files
	case "b2":
		b2cfg, err := filestore.LoadB2Config()
		if err != nil {
			return fmt.Errorf("load b2 config: %w", err)
		}
		files, err := filestore.NewB2(ctx, b2cfg)
		if err != nil {
			return fmt.Errorf("open b2 bucket: %w", err)
		}
		cfg.Files = files
	default:
		return fmt.Errorf("unknown upload backend %q", up)
	}

	cfg.Host = model.HostConfig{
		BasePath:         basePath,
		HandshakeTimeout: v.GetDuration("handshake-timeout"),
		SecureCookies:    v.GetBool("secure-cookies"),
	}

	h, err := handler.New(cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	defer h.Close()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware)

	if basePath != "" {
		r.Route(basePath, h.Routes)
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"lang", lang,
		"backend_url", v.GetString("backend-url"),
		"upload_backend", v.GetString("upload-backend"),
		"handshake_timeout", cfg.Host.HandshakeTimeout,
		"base_path", basePath,
	)
	return http.ListenAndServe(addr, r)
}

// newCourseService builds the in-process course-material service, grading
// essays with the configured model when there is one.
func newCourseService(ctx context.Context, v *viper.Viper, db *store.Store) (*course.Service, error) {
	var essays grading.Grader
	if modelName := v.GetString("llm-model"); modelName != "" {
		variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
		if !grading.IsValidVariant(variant) {
			slog.Warn("invalid prompt-variant, using standard", "variant", variant)
			variant = string(grading.PromptStandard)
		}
		llm := grading.NewLLM(v.GetString("llm-url"), v.GetString("llm-key"), modelName, grading.PromptVariant(variant))
		if err := llm.Ping(ctx); err != nil {
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", modelName)
		essays = llm
	}

	secret := []byte(v.GetString("token-secret"))
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		slog.Warn("no token-secret set, peer review tokens will not survive a restart")
	}
	tokens, err := course.NewTokenSigner(secret, nil)
	if err != nil {
		return nil, fmt.Errorf("create token signer: %w", err)
	}

	svc, err := course.New(course.Config{
		Store:  db,
		Grader: grading.NewRouter(essays),
		Tokens: tokens,
		Logger: slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("create course service: %w", err)
	}
	return svc, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return importExercises(db, args)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	exerciseID, err := uuid.Parse(v.GetString("exercise-id"))
	if err != nil {
		return fmt.Errorf("parse exercise-id: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ex, err := db.GetExercise(exerciseID)
	if err != nil {
		return fmt.Errorf("get exercise: %w", err)
	}
	if ex == nil {
		return fmt.Errorf("exercise %s not found", exerciseID)
	}
	results, err := db.ExportResults(exerciseID)
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	export := model.ResultsExport{
		ExerciseID:   ex.ID,
		Name:         ex.Name,
		ScoreMaximum: ex.ScoreMaximum,
		ExportedAt:   time.Now().UTC(),
		Results:      results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

// importExercises imports every file once. A file that changed since its
// import is skipped so existing submissions keep pointing at the same tasks.
func importExercises(db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("exercise file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("exercise file changed since last import, skipping to avoid breaking existing submissions",
				"path", path)
			continue
		}

		exercises, err := parseExercises(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for _, e := range exercises {
			if err := db.ImportExercise(e); err != nil {
				return fmt.Errorf("import exercise %s from %s: %w", e.ID, path, err)
			}
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported exercises", "path", path, "count", len(exercises))
	}

	return nil
}

// parseExercises accepts a single exercise object or an array of them.
func parseExercises(data []byte) ([]model.ExerciseImport, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []model.ExerciseImport
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var one model.ExerciseImport
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []model.ExerciseImport{one}, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

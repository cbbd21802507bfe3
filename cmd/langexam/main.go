package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/langexam/internal/bank"
	"github.com/pavelanni/langexam/internal/handler"
	appI18n "github.com/pavelanni/langexam/internal/i18n"
	"github.com/pavelanni/langexam/internal/model"
	"github.com/pavelanni/langexam/internal/selector"
	"github.com/pavelanni/langexam/internal/session"
	"github.com/pavelanni/langexam/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "langexam",
		Short:        "TIN-gated six-part language proficiency exam",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), studentCmd(), resetCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "langexam.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("questions", "q", nil, "Question bank files to import on startup (repeatable)")
	f.StringP("lang", "l", "en", "Default language for API messages (en, ru)")
	f.IntP("questions-per-part", "n", selector.DefaultPerPart, "Questions drawn per exam part")
	f.Duration("attempt-timeout", 0, "Reclaim attempts left open longer than this (0 = never)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.String("admin-password", "", "Initial admin password (or set LANGEXAM_ADMIN_PASSWORD)")
	addCommonFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import question bank files (JSON or YAML)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addCommonFlags(cmd)
	return cmd
}

func studentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "student",
		Short: "Manage exam candidates",
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Register a candidate and print the issued TIN",
		RunE:  runStudentAdd,
	}
	f := add.Flags()
	f.String("name", "", "Full name (required)")
	f.String("email", "", "Email address (required)")
	f.String("phone", "", "Phone number (required)")
	f.String("tin", "", "Use this TIN instead of generating one")
	addCommonFlags(add)
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("email")
	_ = add.MarkFlagRequired("phone")

	list := &cobra.Command{
		Use:   "list",
		Short: "List candidates and their exam status",
		RunE:  runStudentList,
	}
	addCommonFlags(list)

	cmd.AddCommand(add, list)
	return cmd
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset TIN",
		Short: "Allow a candidate to take the exam again",
		Args:  cobra.ExactArgs(1),
		RunE:  runReset,
	}
	addCommonFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all attempts as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("exam-id", "langexam", "Exam identifier for output")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(cmd)
	return cmd
}

func setupLogging(v *viper.Viper) {
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

// viperForCmd binds a command's flags, .env file and environment to a fresh
// viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("error reading .env file", "error", err)
	}

	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("LANGEXAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("langexam")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/langexam")
	v.AddConfigPath("/etc/langexam")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// openStore sets up logging and opens the database for a command.
func openStore(cmd *cobra.Command) (*viper.Viper, *store.Store, error) {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return v, db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	if err := bank.ImportFiles(ctx, db, v.GetStringSlice("questions")); err != nil {
		return fmt.Errorf("load questions: %w", err)
	}

	lang := v.GetString("lang")
	catalog, err := appI18n.Load(lang)
	if err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	examCfg := model.ExamConfig{
		QuestionsPerPart: v.GetInt("questions-per-part"),
		AttemptTimeout:   v.GetDuration("attempt-timeout"),
		SecureCookies:    v.GetBool("secure-cookies"),
		Lang:             lang,
	}
	if examCfg.QuestionsPerPart < 1 {
		return fmt.Errorf("questions-per-part must be at least 1, got %d", examCfg.QuestionsPerPart)
	}

	exam := session.New(db,
		session.WithSelector(selector.New(nil, examCfg.QuestionsPerPart)),
		session.WithAttemptTimeout(examCfg.AttemptTimeout),
	)
	h := handler.New(db, exam, examCfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(catalog.Middleware)
	h.Routes(r)

	go cleanupAuthSessions(ctx, db)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"lang", lang,
		"languages", catalog.Languages(),
		"questions_per_part", examCfg.QuestionsPerPart,
		"attempt_timeout", examCfg.AttemptTimeout,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func cleanupAuthSessions(ctx context.Context, db *store.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanupExpiredSessions(ctx)
			if err != nil {
				slog.Warn("failed to clean up auth sessions", "error", err)
				continue
			}
			slog.Debug("cleaned up auth sessions", "removed", n)
		}
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	_, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := bank.ImportFiles(cmd.Context(), db, args); err != nil {
		return err
	}
	total, err := db.QuestionCount(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "question bank holds %d questions\n", total)
	return nil
}

func runStudentAdd(cmd *cobra.Command, _ []string) error {
	v, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := db.CreateStudent(cmd.Context(), model.Student{
		Name:  v.GetString("name"),
		Email: v.GetString("email"),
		Phone: v.GetString("phone"),
		TIN:   v.GetString("tin"),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", st.TIN, st.Name)
	return nil
}

func runStudentList(cmd *cobra.Command, _ []string) error {
	_, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	students, err := db.ListStudents(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, st := range students {
		fmt.Fprintf(out, "%s\t%-12s\t%6.1f\t%s\n", st.TIN, st.TestStatus, st.TestScore.Total, st.Name)
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	_, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	exam := session.New(db)
	st, err := exam.LookupByTIN(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := exam.ResetAttempt(cmd.Context(), st.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reset %s (%s)\n", st.TIN, st.Name)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v, db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.ExportAllAttempts(cmd.Context())
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}
	export := model.NewExamExport(v.GetString("exam-id"), time.Now(), results)

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
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
	_, _ = fmt.Fprintln(w)
	return nil
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or LANGEXAM_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}

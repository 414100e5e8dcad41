package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/provalab/simulado/internal/billing"
	"github.com/provalab/simulado/internal/exam"
	"github.com/provalab/simulado/internal/handler"
	appI18n "github.com/provalab/simulado/internal/i18n"
	"github.com/provalab/simulado/internal/model"
	"github.com/provalab/simulado/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "simulado",
		Short: "Exam-practice API with Stripe billing",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), userCmd())

	// Bare `simulado` starts the server.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "simulado.db", "SQLite database path")
	f.StringP("lang", "l", "pt", "Default language for API messages (en, pt)")
	f.String("stripe-key", "", "Stripe secret API key (or SIMULADO_STRIPE_KEY)")
	f.String("stripe-webhook-secret", "", "Stripe webhook signing secret")
	f.String("stripe-product", "", "Stripe product ID (empty = first active product)")
	f.String("success-url", "", "Default checkout success URL")
	f.String("cancel-url", "", "Default checkout cancel URL")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.json> [more files...]",
		Short: "Import skills and questions from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.String("db", "simulado.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE:  runUserCreate,
	}
	f := create.Flags()
	f.String("db", "simulado.db", "SQLite database path")
	f.String("email", "", "User email (required)")
	f.String("password", "", "User password (required)")
	f.String("phone", "", "User phone in E.164 format")
	f.String("role", string(model.UserRoleStudent), "User role (student, admin)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("password")

	cmd.AddCommand(create)
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

// viperForCmd binds a command's flags, SIMULADO_* environment variables, and
// an optional config file to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SIMULADO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("simulado")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/simulado")
	v.AddConfigPath("/etc/simulado")
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

	stripeKey := v.GetString("stripe-key")
	webhookSecret := v.GetString("stripe-webhook-secret")
	if stripeKey == "" || webhookSecret == "" {
		return fmt.Errorf("stripe credentials are required: set --stripe-key and --stripe-webhook-secret (or SIMULADO_STRIPE_KEY / SIMULADO_STRIPE_WEBHOOK_SECRET)")
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	gateway := billing.NewStripeGateway(stripeKey, webhookSecret, v.GetString("stripe-product"))
	engine := exam.New(db)
	reconciler := billing.New(db, gateway)

	h := handler.New(db, engine, reconciler, handler.Config{
		SuccessURL: v.GetString("success-url"),
		CancelURL:  v.GetString("cancel-url"),
	})

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"lang", lang,
		"stripe_product", v.GetString("stripe-product"),
	)
	return http.ListenAndServe(addr, r)
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return loadContent(db, args)
}

func loadContent(db *store.Store, paths []string) error {
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
			slog.Info("content file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			// Re-importing a changed file would duplicate questions that
			// existing exams already reference.
			slog.Warn("content file changed since last import, skipping", "path", path)
			continue
		}

		var skills []model.SkillImport
		if err := json.Unmarshal(data, &skills); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		count := 0
		for _, si := range skills {
			skillID, err := db.InsertSkill(si.Name)
			if err != nil {
				return fmt.Errorf("insert skill %q from %s: %w", si.Name, path, err)
			}
			for _, qi := range si.Questions {
				if err := validateImport(qi); err != nil {
					return fmt.Errorf("question %q in %s: %w", truncate(qi.Statement, 40), path, err)
				}
				options := make([]model.Option, 0, len(qi.Options))
				for _, oi := range qi.Options {
					options = append(options, model.Option{Text: oi.Text, IsCorrect: oi.IsCorrect})
				}
				_, err := db.InsertQuestion(model.Question{
					SkillID:     skillID,
					Statement:   qi.Statement,
					Explanation: qi.Explanation,
					Options:     options,
				})
				if err != nil {
					return fmt.Errorf("insert question from %s: %w", path, err)
				}
				count++
			}
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported questions", "path", path, "count", count)
	}

	return nil
}

// validateImport enforces the single-correct-option invariant at authoring
// time so the answer checker can trust it at read time.
func validateImport(qi model.QuestionImport) error {
	if qi.Statement == "" {
		return fmt.Errorf("empty statement")
	}
	if len(qi.Options) < 2 {
		return fmt.Errorf("needs at least 2 options, has %d", len(qi.Options))
	}
	correct := 0
	for _, oi := range qi.Options {
		if oi.IsCorrect {
			correct++
		}
	}
	if correct != 1 {
		return fmt.Errorf("needs exactly 1 correct option, has %d", correct)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func runUserCreate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	role := model.UserRole(v.GetString("role"))
	if role != model.UserRoleStudent && role != model.UserRoleAdmin {
		return fmt.Errorf("invalid role %q", role)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(v.GetString("password")), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	id, err := db.CreateUser(model.User{
		Email:        v.GetString("email"),
		Phone:        v.GetString("phone"),
		PasswordHash: string(hash),
		Role:         role,
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("created user %d (%s)\n", id, v.GetString("email"))
	return nil
}

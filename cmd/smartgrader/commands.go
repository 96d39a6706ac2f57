package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/smartgrader/internal/events"
	"github.com/pavelanni/smartgrader/internal/extract"
	"github.com/pavelanni/smartgrader/internal/ingest"
	"github.com/pavelanni/smartgrader/internal/llm/prompts"
	"github.com/pavelanni/smartgrader/internal/lock"
	"github.com/pavelanni/smartgrader/internal/model"
	"github.com/pavelanni/smartgrader/internal/report"
	"github.com/pavelanni/smartgrader/internal/store"
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exam results as JSON or XLSX",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "smartgrader.db", "SQLite database path")
	f.Int64("exam", 0, "Exam ID to export (required)")
	f.String("format", "json", "Output format (json, xlsx)")
	f.String("prompt-variant", string(prompts.PromptStandard), "Prompt variant recorded when no setting overrides it")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("exam")

	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	format := v.GetString("format")
	if format != "json" && format != "xlsx" {
		return fmt.Errorf("unknown format %q", format)
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	exam, results, err := db.ExportExam(v.GetInt64("exam"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}
	variant := string(promptVariant(v))
	if s, err := db.GetSetting(store.SettingPromptVariant); err == nil && prompts.IsValidVariant(s) {
		variant = s
	}
	exp := report.Build(exam, results, variant, time.Now())

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

	if format == "xlsx" {
		err = report.WriteXLSX(w, exp)
	} else {
		err = report.WriteJSON(w, exp)
	}
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	slog.Info("exported exam results", "exam_id", exam.ID, "results", len(exp.Results), "format", format)
	return nil
}

func regradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regrade",
		Short: "Re-evaluate every submission of an exam",
		RunE:  runRegrade,
	}
	f := cmd.Flags()
	f.String("db", "smartgrader.db", "SQLite database path")
	f.Int64("exam", 0, "Exam ID to re-evaluate (required)")
	addLLMFlags(cmd)
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("exam")

	return cmd
}

func runRegrade(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := newLLMClient(ctx, v)
	if err != nil {
		return err
	}
	mgr, err := newManager(v, db, client, lock.NewMemory(), events.Nop{}, nil)
	if err != nil {
		return err
	}
	res, err := mgr.ReevaluateExam(ctx, v.GetInt64("exam"))
	if err != nil {
		return fmt.Errorf("re-evaluate exam: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Preview the questions extracted from an exam document",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}
	f := cmd.Flags()
	f.Float64("default-points", 10, "Points for questions without inline points")
	addExtractFlags(cmd)
	addLLMFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	path := args[0]
	kind, err := extract.KindFromFilename(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	ctx := context.Background()
	text, err := newExtractor(v).Text(ctx, kind, data)
	if err != nil {
		return err
	}
	points := v.GetFloat64("default-points")
	var questions []model.Question
	switch mode := v.GetString("question-extraction"); mode {
	case "model":
		client, err := newLLMClient(ctx, v)
		if err != nil {
			return err
		}
		questions, err = ingest.ModelQuestions(ctx, client, text, points)
		if err != nil {
			slog.Warn("model question extraction failed, splitting text instead", "error", err)
		}
	case "regex":
	default:
		return fmt.Errorf("unknown question-extraction %q", mode)
	}
	if len(questions) == 0 {
		if questions, err = ingest.ExtractQuestions(text, points); err != nil {
			return err
		}
	}

	exam := model.Exam{Title: filepath.Base(path), Kind: kind, Questions: questions}
	out := cmd.OutOrStdout()
	for _, q := range questions {
		fmt.Fprintf(out, "%3d. [%g pts] %s\n", q.Index, q.Points, q.Text)
	}
	fmt.Fprintf(out, "\n%d questions, %g points total\n", len(questions), exam.MaxScore())
	return nil
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adduser <username> <password>",
		Short: "Create a user account",
		Args:  cobra.ExactArgs(2),
		RunE:  runAddUser,
	}
	f := cmd.Flags()
	f.String("db", "smartgrader.db", "SQLite database path")
	f.String("role", string(model.UserRoleStudent), "Role (student, instructor, moderator)")
	f.String("display-name", "", "Display name (defaults to the username)")
	addLogFlags(cmd)
	return cmd
}

func runAddUser(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	role := model.UserRole(v.GetString("role"))
	if !role.IsValid() {
		return fmt.Errorf("unknown role %q", role)
	}
	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	existing, err := db.GetUserByUsername(args[0])
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("user %q already exists", args[0])
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(args[1]), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	name := v.GetString("display-name")
	if name == "" {
		name = args[0]
	}
	id, err := db.CreateUser(model.User{
		Username: args[0], DisplayName: name, PasswordHash: string(hash), Role: role, Active: true,
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	slog.Info("user created", "user_id", id, "username", args[0], "role", role)
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phimarket/compliance/internal/config"
	"github.com/phimarket/compliance/internal/platform/auth"
	"github.com/phimarket/compliance/internal/platform/db"
	"github.com/phimarket/compliance/internal/platform/deid"
	"github.com/phimarket/compliance/internal/platform/hipaa"
	"github.com/phimarket/compliance/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "compliance-server",
		Short:        "PHI compliance engine",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(deidCmd())
	root.AddCommand(keygenCmd())
	root.AddCommand(tokenCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the compliance API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	e := a.server(ctx)

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		a.pipeline.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("sink", cfg.SinkMode()).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error().Err(err).Msg("server error")
		stop()
		<-pipelineDone
		return err
	}

	logger.Info().Msg("shutting down server")
	<-pipelineDone
	a.shutdown(e, 10*time.Second)
	logger.Info().Msg("server stopped")
	return nil
}

func withPool(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withPool(func(ctx context.Context, m *db.Migrator) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withPool(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// auditCmd runs one pipeline pass against the configured buffer and sink.
func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Operate the audit queues",
	}

	run := func(use, short string, pass func(ctx context.Context, a *app) any) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := loadConfig()
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				if ctx == nil {
					ctx = context.Background()
				}
				a, err := buildApp(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer a.Close()

				out := pass(ctx, a)
				a.pipeline.Wait()
				return writeJSON(cmd.OutOrStdout(), out)
			},
		}
	}

	cmd.AddCommand(run("flush", "Send the batch queue now", func(ctx context.Context, a *app) any {
		return a.pipeline.Flush(ctx)
	}))
	cmd.AddCommand(run("retry", "Run one retry pass and drain local fallback entries", func(ctx context.Context, a *app) any {
		return map[string]any{
			"retry": a.pipeline.RetryPass(ctx),
			"local": a.pipeline.DrainLocal(ctx),
		}
	}))
	cmd.AddCommand(run("queues", "Show queue depths", func(ctx context.Context, a *app) any {
		q, err := a.pipeline.Queues(ctx)
		if err != nil {
			return map[string]string{"error": err.Error()}
		}
		return q
	}))
	return cmd
}

// errNotDeidentified makes deid verify exit non-zero.
var errNotDeidentified = errors.New("record does not pass HIPAA Safe Harbor")

func deidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deid",
		Short: "De-identification tools",
	}
	verify := &cobra.Command{
		Use:   "verify <file>",
		Short: "Check a JSON record against the Safe Harbor identifier list (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strict, _ := cmd.Flags().GetBool("strict")
			return verifyFile(cmd.InOrStdin(), cmd.OutOrStdout(), args[0], strict)
		},
	}
	verify.Flags().Bool("strict", false, "Fail on indirect identifiers too")
	cmd.AddCommand(verify)
	return cmd
}

func verifyFile(stdin io.Reader, out io.Writer, path string, strict bool) error {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	var data any
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	report := deid.Verify(data)
	if err := writeJSON(out, report); err != nil {
		return err
	}
	if !report.PassesHIPAA || (strict && !report.IsDeIdentified) {
		return errNotDeidentified
	}
	return nil
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a random HIPAA_ENCRYPTION_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hipaa.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

// tokenCmd issues a session token for local testing.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetString("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}
			return issueToken(cmd.OutOrStdout(), []byte(cfg.AuthSigningKey), subject, roles, ttl)
		},
	}
	cmd.Flags().String("subject", "", "Token subject")
	cmd.Flags().String("roles", "", "Comma separated roles")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func issueToken(out io.Writer, key []byte, subject, roles string, ttl time.Duration) error {
	var list []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			list = append(list, r)
		}
	}
	tok, err := auth.IssueToken(key, subject, list, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

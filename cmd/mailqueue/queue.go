package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/sarus-health/mailqueue/internal/app"
	"github.com/sarus-health/mailqueue/internal/config"
	"github.com/sarus-health/mailqueue/internal/domain"
	"github.com/sarus-health/mailqueue/internal/identity/jwt"
	"github.com/sarus-health/mailqueue/internal/mailqueue"
	mqpostgres "github.com/sarus-health/mailqueue/internal/mailqueue/postgres"
	"github.com/spf13/cobra"
)

// loadConfig loads the configuration. Logs go to stderr; stdout carries
// command output.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(app.NewLogger(cfg.Log, os.Stderr))
	return cfg, nil
}

// queueEnv is an opened queue for one-shot commands.
type queueEnv struct {
	storage *app.Storage
	service *mailqueue.Service
}

func openQueue(ctx context.Context, configPath string) (*queueEnv, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	storage, err := app.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	processor, err := app.NewProcessor(cfg, storage.Store)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	return &queueEnv{
		storage: storage,
		service: mailqueue.NewService(storage.Store, processor, cfg.Queue.MaxAttempts),
	}, nil
}

func (e *queueEnv) Close() {
	if err := e.storage.Close(); err != nil {
		slog.Warn("failed to close storage", "error", err)
	}
}

func processCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one delivery pass over the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			env, err := openQueue(ctx, *configPath)
			if err != nil {
				return err
			}
			defer env.Close()

			result, err := env.service.Process(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func listCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			asJSON, _ := cmd.Flags().GetBool("json")

			if status != "" && !domain.QueueStatus(status).IsValid() {
				return fmt.Errorf("%w: %q", mailqueue.ErrInvalidStatus, status)
			}

			env, err := openQueue(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer env.Close()

			items, err := env.storage.Store.ListAllStrict(cmd.Context())
			if err != nil {
				return err
			}
			items = filterByStatus(items, domain.QueueStatus(status))

			if asJSON {
				return printJSON(cmd.OutOrStdout(), items)
			}
			return printTable(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().String("status", "", "filter by status (pending, failed, sent)")
	cmd.Flags().Bool("json", false, "print items as JSON")
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openQueue(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer env.Close()

			return printJSON(cmd.OutOrStdout(), env.service.Stats(cmd.Context()))
		},
	}
}

func removeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an item from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openQueue(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.service.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func enqueueCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an email for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetString("to")
			subject, _ := cmd.Flags().GetString("subject")
			text, _ := cmd.Flags().GetString("text")
			html, _ := cmd.Flags().GetString("html")
			htmlFile, _ := cmd.Flags().GetString("html-file")
			attach, _ := cmd.Flags().GetStringSlice("attach")

			if htmlFile != "" {
				data, err := os.ReadFile(htmlFile)
				if err != nil {
					return fmt.Errorf("read html file: %w", err)
				}
				html = string(data)
			}

			attachments := make([]domain.Attachment, 0, len(attach))
			for _, path := range attach {
				a, err := readAttachment(path)
				if err != nil {
					return err
				}
				attachments = append(attachments, a)
			}

			env, err := openQueue(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer env.Close()

			item, err := env.service.Enqueue(cmd.Context(), mailqueue.EnqueueInput{
				Recipient:   to,
				Subject:     subject,
				TextBody:    text,
				HTMLBody:    html,
				Attachments: attachments,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), item.ID)
			return nil
		},
	}
	cmd.Flags().String("to", "", "recipient address")
	cmd.Flags().String("subject", "", "message subject")
	cmd.Flags().String("text", "", "plain text body")
	cmd.Flags().String("html", "", "HTML body")
	cmd.Flags().String("html-file", "", "read the HTML body from a file")
	cmd.Flags().StringSlice("attach", nil, "file to attach (repeatable)")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			auth, err := jwt.NewAuthenticator(jwt.Config{
				Secret:   cfg.Auth.JWTSecret,
				Issuer:   cfg.Auth.Issuer,
				TokenTTL: cfg.Auth.TokenTTL,
			})
			if err != nil {
				return err
			}

			token, err := auth.Issue(subject, domain.Role(role), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "operator", "token subject")
	cmd.Flags().String("role", string(domain.RoleOperator), "token role (operator, admin)")
	cmd.Flags().Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			if cfg.Storage.Driver != config.DriverPostgres {
				fmt.Fprintf(cmd.OutOrStdout(), "storage driver %s has no migrations\n", cfg.Storage.Driver)
				return nil
			}

			version, err := mqpostgres.Migrate(cfg.Storage.Postgres.URL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}

func readAttachment(path string) (domain.Attachment, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}

	name := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return domain.Attachment{
		Filename:    name,
		ContentType: contentType,
		Content:     content,
	}, nil
}

func filterByStatus(items []domain.QueueItem, status domain.QueueStatus) []domain.QueueItem {
	if status == "" {
		return items
	}
	filtered := make([]domain.QueueItem, 0, len(items))
	for i := range items {
		if items[i].Status == status {
			filtered = append(filtered, items[i])
		}
	}
	return filtered
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printTable(w io.Writer, items []domain.QueueItem) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tRECIPIENT\tSUBJECT\tNEXT RETRY")
	for i := range items {
		item := &items[i]
		next := "-"
		if item.NextRetryAt != nil && item.Status != domain.QueueStatusSent {
			next = item.NextRetryAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			item.ID, item.Status, item.Attempts, item.MaxAttempts, item.Recipient, item.Subject, next)
	}
	return tw.Flush()
}

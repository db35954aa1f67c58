package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/example/promptvault/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

func rateLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return 0
	}
	return rate.Limit(perSecond)
}

// readPassword takes the password from PROMPTVAULT_PASSWORD, the terminal
// with echo off, or the first line of stdin, in that order.
func (a *app) readPassword(cmd *cobra.Command) (string, error) {
	if p := a.v.GetString("password"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) loginCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := a.readPassword(cmd)
			if err != nil {
				return err
			}
			u, err := a.client.Login(cmd.Context(), email, password)
			if err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", u.Email)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) registerCmd() *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := a.readPassword(cmd)
			if err != nil {
				return err
			}
			u, err := a.client.Register(cmd.Context(), email, password, name)
			if err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", u.Email)
			if !u.IsVerified {
				fmt.Fprintln(cmd.OutOrStdout(), "verify your email address before generating prompts")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and forget it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.client.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session without contacting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			sess, err := a.client.Session(cmd.Context())
			if errors.Is(err, session.ErrNoSession) {
				fmt.Fprintln(out, "not signed in")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "user:     %s (id %d, verified %t)\n", sess.User.Email, sess.User.ID, sess.User.IsVerified)
			if left := sess.Remaining(time.Now()); left > 0 {
				fmt.Fprintf(out, "access:   valid for %s (until %s)\n", left.Round(time.Second), sess.ExpiresAt.Local().Format(time.RFC1123))
			} else {
				fmt.Fprintln(out, "access:   expired, will refresh on next use")
			}
			return nil
		},
	}
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

type profile struct {
	ID         int64  `json:"id"`
	Email      string `json:"email"`
	IsVerified bool   `json:"isVerified"`
	ExpiresAt  string `json:"expiresAt"`
}

func (a *app) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Ask the server who the session belongs to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out envelope[profile]
			if err := a.client.DoJSON(cmd.Context(), http.MethodGet, "/api/me", nil, &out); err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (id %d, verified %t)\n", out.Data.Email, out.Data.ID, out.Data.IsVerified)
			return nil
		},
	}
}

func (a *app) generateCmd() *cobra.Command {
	var (
		template string
		file     string
		vars     map[string]string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Render a prompt template on the server",
		Example: `  promptctl generate -t "Summarize {{topic}} for {{audience}}" --var topic=Go --var audience=beginners
  promptctl generate -f prompt.txt --var topic=Go`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				template = string(raw)
			}
			if template == "" {
				return errors.New("a template is required (--template or --file)")
			}
			in := map[string]any{"template": template, "variables": vars}
			var out envelope[struct {
				Text string `json:"text"`
			}]
			if err := a.client.DoJSON(cmd.Context(), http.MethodPost, "/api/generate", in, &out); err != nil {
				return explain(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Data.Text)
			return nil
		},
	}
	cmd.Flags().StringVarP(&template, "template", "t", "", "template text with {{name}} placeholders")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the template from a file")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "template variable as name=value (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("template", "file")
	return cmd
}

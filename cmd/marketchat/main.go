// Command marketchat runs the marketplace chat server.
//
// With -issue-token it instead registers a user (and optionally an article
// owned by that user) and prints a signed session token for local testing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketchat/internal/app"
	"marketchat/internal/config"
	"marketchat/pkg/types"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	configPath   string
	issueToken   bool
	userID       int64
	username     string
	articleID    string
	articleTitle string
}

func parseFlags(args []string) (options, error) {
	opts := options{configPath: os.Getenv("MARKETCHAT_CONFIG_FILE")}

	fs := flag.NewFlagSet("marketchat", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", opts.configPath, "JSON config file (overrides environment)")
	fs.BoolVar(&opts.issueToken, "issue-token", false, "register -user-id/-username, print a session token and exit")
	fs.Int64Var(&opts.userID, "user-id", 0, "user id for -issue-token")
	fs.StringVar(&opts.username, "username", "", "username for -issue-token")
	fs.StringVar(&opts.articleID, "article", "", "optional article id to register, owned by -user-id")
	fs.StringVar(&opts.articleTitle, "title", "", "title for -article")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.issueToken {
		if opts.userID <= 0 {
			return options{}, errors.New("-user-id must be a positive integer")
		}
		if !types.IsValidUsername(opts.username) {
			return options{}, fmt.Errorf("-username %q: %w", opts.username, types.ErrInvalidUsername)
		}
		if opts.articleID != "" && !types.IsValidArticleID(opts.articleID) {
			return options{}, fmt.Errorf("-article %q: %w", opts.articleID, types.ErrInvalidArticleID)
		}
	}
	return opts, nil
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	// Precedence: file > env > defaults
	cfg, err := config.LoadConfigWithPrecedence(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	if opts.issueToken {
		return issueToken(application, opts, stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx, shutdownTimeout); err != nil {
		return fmt.Errorf("application error: %w", err)
	}
	return nil
}

func issueToken(application *app.Application, opts options, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer func() { _ = application.Stop(ctx) }()

	db := application.Database()
	if err := db.UpsertUser(ctx, opts.userID, opts.username); err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	if opts.articleID != "" {
		if err := db.UpsertArticle(ctx, opts.articleID, opts.userID, opts.articleTitle); err != nil {
			return fmt.Errorf("failed to register article: %w", err)
		}
	}

	token, err := application.Validator().IssueToken(types.Identity{UserID: opts.userID, Username: opts.username})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

// client registers (or logs in), submits a repository and follows the job's
// log until it finishes.
package main

import (
	"bytes"
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

	"github.com/spf13/pflag"

	"ciserver/pkg/models"
)

type options struct {
	server   string
	email    string
	password string
	repo     string
	branch   string
	follow   bool
	poll     time.Duration
}

// errJobUnsuccessful maps to exit status 2; client errors exit 1.
var errJobUnsuccessful = errors.New("job did not succeed")

func main() {
	if err := run(); err != nil {
		switch {
		case errors.Is(err, pflag.ErrHelp):
			return
		case errors.Is(err, errJobUnsuccessful):
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("ciserver-client", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", "http://localhost:5000", "ciserver base URL")
	flagSet.StringVar(&opts.email, "email", "", "account email")
	flagSet.StringVar(&opts.password, "password", "", "account password")
	flagSet.StringVar(&opts.repo, "repo", "", "repository URL to build")
	flagSet.StringVar(&opts.branch, "branch", "", "branch to build (default main)")
	flagSet.BoolVar(&opts.follow, "follow", true, "print logs until the job finishes")
	flagSet.DurationVar(&opts.poll, "poll", time.Second, "log polling interval")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if opts.email == "" || opts.password == "" || opts.repo == "" {
		flagSet.Usage()
		return errors.New("--email, --password and --repo are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &client{base: strings.TrimRight(opts.server, "/") + "/api", http: &http.Client{Timeout: 30 * time.Second}}
	if err := c.authenticate(ctx, opts.email, opts.password); err != nil {
		return err
	}

	job, err := c.createJob(ctx, opts.repo, opts.branch)
	if err != nil {
		return err
	}
	fmt.Printf("job %s created for %s (branch: %s)\n", job.ID, job.RepoURL, job.Branch)
	if !opts.follow {
		return nil
	}

	status, err := c.follow(ctx, job, opts.poll)
	if err != nil {
		return err
	}
	fmt.Printf("job %s finished: %s\n", job.ID, status)
	if status != models.JobStatusSuccess {
		return errJobUnsuccessful
	}
	return nil
}

type client struct {
	base  string
	token string
	http  *http.Client
}

type apiError struct {
	Status  int
	Message string `json:"error"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// authenticate logs in, registering the account first if it does not exist.
func (c *client) authenticate(ctx context.Context, email, password string) error {
	creds := map[string]string{"email": email, "password": password}
	var tok struct {
		Token string `json:"token"`
	}

	err := c.do(ctx, http.MethodPost, "/auth/login", creds, &tok)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		err = c.do(ctx, http.MethodPost, "/auth/register", creds, &tok)
	}
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	c.token = tok.Token
	return nil
}

func (c *client) createJob(ctx context.Context, repo, branch string) (*models.Job, error) {
	body := map[string]string{"repo_url": repo}
	if branch != "" {
		body["branch"] = branch
	}
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/jobs", body, &job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return &job, nil
}

// follow prints new log records until the job is terminal and no records
// remain.
func (c *client) follow(ctx context.Context, job *models.Job, interval time.Duration) (models.JobStatus, error) {
	var after uint
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var logs []models.LogRecord
		if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/jobs/%s/logs?after=%d", job.ID, after), nil, &logs); err != nil {
			return "", fmt.Errorf("fetch logs: %w", err)
		}
		for _, rec := range logs {
			fmt.Printf("[%s] %s\n", rec.Level, rec.Message)
			after = rec.ID
		}

		var current models.Job
		if err := c.do(ctx, http.MethodGet, "/jobs/"+job.ID.String(), nil, &current); err != nil {
			return "", fmt.Errorf("fetch job: %w", err)
		}
		if current.Status.IsTerminal() && len(logs) == 0 {
			return current.Status, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

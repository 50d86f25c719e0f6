// Package vcs clones repositories for job execution.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// ShortHashLen is the length of Commit.ShortHash.
const ShortHashLen = 7

// Commit describes the checked-out head.
type Commit struct {
	Hash      string
	ShortHash string
	Message   string
	Author    string
	Date      time.Time
}

// Repository is a checked-out working tree.
type Repository interface {
	HeadCommit() (Commit, error)
}

// Cloner performs a shallow, single-branch checkout into dest.
type Cloner interface {
	Clone(ctx context.Context, url, branch, dest string) (Repository, error)
}

// GitCloner clones with go-git, so no git binary is required.
type GitCloner struct {
	// Token, when set, is sent as HTTP basic auth for https remotes.
	Token string
}

func NewGitCloner(token string) *GitCloner {
	return &GitCloner{Token: token}
}

func (g *GitCloner) Clone(ctx context.Context, url, branch, dest string) (Repository, error) {
	opts := &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
		Tags:          git.NoTags,
	}
	if g.Token != "" && strings.HasPrefix(url, "https://") {
		opts.Auth = &http.BasicAuth{Username: "x-access-token", Password: g.Token}
	}

	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, fmt.Errorf("branch %q not found: %w", branch, err)
		}
		return nil, err
	}
	return &gitRepository{repo: repo}, nil
}

type gitRepository struct {
	repo *git.Repository
}

func (r *gitRepository) HeadCommit() (Commit, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return Commit{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	c, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return Commit{}, fmt.Errorf("read commit %s: %w", ref.Hash(), err)
	}
	hash := c.Hash.String()
	return Commit{
		Hash:      hash,
		ShortHash: hash[:ShortHashLen],
		Message:   strings.TrimSpace(c.Message),
		Author:    c.Author.Name,
		Date:      c.Author.When,
	}, nil
}

// Open wraps an existing working tree at path.
func Open(path string) (Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, err
	}
	return &gitRepository{repo: repo}, nil
}

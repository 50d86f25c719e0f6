package api

import "strings"

// DefaultBranch is used when a submission names no branch.
const DefaultBranch = "main"

// NormalizeRepoURL fixes URLs copied from a repository web page. A
// "/tree/<branch>" suffix is stripped and supplies the branch when none was
// given; "/blob/..." is stripped; a trailing slash on a GitHub URL without
// ".git" is dropped.
func NormalizeRepoURL(raw, branch string) (string, string) {
	repoURL := strings.TrimSpace(raw)
	branch = strings.TrimSpace(branch)

	if before, after, found := strings.Cut(repoURL, "/tree/"); found {
		repoURL = before
		if branch == "" {
			branch, _, _ = strings.Cut(after, "/")
		}
	}
	if before, _, found := strings.Cut(repoURL, "/blob/"); found {
		repoURL = before
	}
	if !strings.HasSuffix(repoURL, ".git") && strings.Contains(repoURL, "github.com") {
		repoURL = strings.TrimRight(repoURL, "/")
	}

	if branch == "" {
		branch = DefaultBranch
	}
	return repoURL, branch
}

// Package vcs persists approved writer output: a mission branch, one commit per
// approved writer task, and a review request once the mission succeeds.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/go-github/v57/github"
)

// File is one file to write in a commit, relative to the repository root.
type File struct {
	Path    string
	Content string
}

// CommitRef identifies a created commit.
type CommitRef struct {
	SHA    string
	Branch string
	URL    string
}

// RequestRef identifies a review request (pull request).
type RequestRef struct {
	Number int
	URL    string
}

// Publisher is the persistence collaborator. Every method may block on I/O.
type Publisher interface {
	CreateBranch(ctx context.Context, name string) error
	Commit(ctx context.Context, branch string, files []File, message string) (CommitRef, error)
	OpenRequest(ctx context.Context, branch, title, body string) (RequestRef, error)
}

var (
	ErrNoFiles     = errors.New("commit has no files")
	ErrInvalidPath = errors.New("file path escapes the repository")
)

// CleanPath normalises a file path and rejects absolute paths or paths that
// climb out of the repository.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, ".git/") || clean == ".git" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return clean, nil
}

func cleanFiles(files []File) ([]File, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	out := make([]File, 0, len(files))
	for _, f := range files {
		p, err := CleanPath(f.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, File{Path: p, Content: f.Content})
	}
	return out, nil
}

// IsPermanent reports whether retrying err cannot help: invalid input or a
// 4xx answer from GitHub other than rate limiting.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNoFiles) || errors.Is(err, ErrInvalidPath) {
		return true
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		code := ghErr.Response.StatusCode
		return code >= 400 && code < 500 && code != 429
	}
	return false
}

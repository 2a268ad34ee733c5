package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// LocalOptions configures a LocalPublisher.
type LocalOptions struct {
	RepoPath    string // a checkout the publisher may switch branches in
	BaseBranch  string // empty means the current HEAD
	AuthorName  string
	AuthorEmail string
	Logger      *zap.Logger
}

// LocalPublisher commits into a local git repository. Review requests are
// written as markdown files under .git/nexus/requests.
type LocalPublisher struct {
	opts LocalOptions
	repo *git.Repository
	log  *zap.Logger
	mu   sync.Mutex // serialises worktree operations
}

// OpenLocalPublisher opens the repository at opts.RepoPath.
func OpenLocalPublisher(opts LocalOptions) (*LocalPublisher, error) {
	repo, err := git.PlainOpen(opts.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", opts.RepoPath, err)
	}
	if opts.AuthorName == "" {
		opts.AuthorName = "nexus"
	}
	if opts.AuthorEmail == "" {
		opts.AuthorEmail = "nexus@localhost"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalPublisher{opts: opts, repo: repo, log: logger.Named("git")}, nil
}

func (p *LocalPublisher) baseHash() (plumbing.Hash, error) {
	if p.opts.BaseBranch == "" {
		head, err := p.repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("resolve HEAD: %w", err)
		}
		return head.Hash(), nil
	}
	ref, err := p.repo.Reference(plumbing.NewBranchReferenceName(p.opts.BaseBranch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve base branch %s: %w", p.opts.BaseBranch, err)
	}
	return ref.Hash(), nil
}

// CreateBranch points a new branch at the base branch head.
func (p *LocalPublisher) CreateBranch(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	refName := plumbing.NewBranchReferenceName(name)
	if _, err := p.repo.Reference(refName, false); err == nil {
		return fmt.Errorf("branch %s already exists", name)
	}
	hash, err := p.baseHash()
	if err != nil {
		return err
	}
	if err := p.repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	p.log.Info("branch created", zap.String("branch", name), zap.String("base", hash.String()))
	return nil
}

// Commit checks out branch, writes files and commits them.
func (p *LocalPublisher) Commit(ctx context.Context, branch string, files []File, message string) (CommitRef, error) {
	files, err := cleanFiles(files)
	if err != nil {
		return CommitRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return CommitRef{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	wt, err := p.repo.Worktree()
	if err != nil {
		return CommitRef{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch)}); err != nil {
		return CommitRef{}, fmt.Errorf("checkout %s: %w", branch, err)
	}

	root := wt.Filesystem.Root()
	for _, f := range files {
		full := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return CommitRef{}, fmt.Errorf("create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(full, []byte(f.Content), 0o644); err != nil {
			return CommitRef{}, fmt.Errorf("write %s: %w", f.Path, err)
		}
		if _, err := wt.Add(f.Path); err != nil {
			return CommitRef{}, fmt.Errorf("stage %s: %w", f.Path, err)
		}
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: p.opts.AuthorName, Email: p.opts.AuthorEmail, When: time.Now()},
	})
	if err != nil {
		return CommitRef{}, fmt.Errorf("commit on %s: %w", branch, err)
	}
	p.log.Info("commit created", zap.String("branch", branch), zap.String("sha", hash.String()), zap.Int("files", len(files)))
	return CommitRef{SHA: hash.String(), Branch: branch}, nil
}

// OpenRequest records a review request next to the repository metadata.
func (p *LocalPublisher) OpenRequest(ctx context.Context, branch, title, body string) (RequestRef, error) {
	if err := ctx.Err(); err != nil {
		return RequestRef{}, err
	}
	if _, err := p.repo.Reference(plumbing.NewBranchReferenceName(branch), true); err != nil {
		return RequestRef{}, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	dir := filepath.Join(p.opts.RepoPath, ".git", "nexus", "requests")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return RequestRef{}, fmt.Errorf("create request dir: %w", err)
	}
	file := filepath.Join(dir, strings.ReplaceAll(branch, "/", "_")+".md")
	content := fmt.Sprintf("# %s\n\nbranch: %s\n\n%s\n", title, branch, body)
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		return RequestRef{}, fmt.Errorf("write request: %w", err)
	}
	p.log.Info("review request written", zap.String("path", file))
	return RequestRef{URL: "file://" + file}, nil
}

package vcs

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// NewGitHubClient returns an authenticated client, or an anonymous one when
// token is empty.
func NewGitHubClient(ctx context.Context, token string) *github.Client {
	if token == "" {
		return github.NewClient(nil)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// GitHubOptions configures a GitHubPublisher.
type GitHubOptions struct {
	Owner             string
	Repo              string
	BaseBranch        string  // empty means the repository default branch
	RequestsPerSecond float64 // <= 0 disables client-side throttling
	Logger            *zap.Logger
}

// GitHubPublisher writes commits through the Git data API, so nothing is
// checked out locally.
type GitHubPublisher struct {
	client  *github.Client
	owner   string
	repo    string
	limiter *rate.Limiter
	log     *zap.Logger

	mu   sync.Mutex
	base string
}

// NewGitHubPublisher creates a publisher for one repository.
func NewGitHubPublisher(client *github.Client, opts GitHubOptions) *GitHubPublisher {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubPublisher{
		client:  client,
		owner:   opts.Owner,
		repo:    opts.Repo,
		base:    opts.BaseBranch,
		limiter: rate.NewLimiter(limit, 1),
		log:     logger.Named("github"),
	}
}

func (p *GitHubPublisher) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func (p *GitHubPublisher) baseBranch(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.base != "" {
		return p.base, nil
	}
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	repo, _, err := p.client.Repositories.Get(ctx, p.owner, p.repo)
	if err != nil {
		return "", fmt.Errorf("get repository %s/%s: %w", p.owner, p.repo, err)
	}
	p.base = repo.GetDefaultBranch()
	return p.base, nil
}

func (p *GitHubPublisher) headSHA(ctx context.Context, branch string) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	ref, _, err := p.client.Git.GetRef(ctx, p.owner, p.repo, "heads/"+branch)
	if err != nil {
		return "", fmt.Errorf("get ref %s: %w", branch, err)
	}
	return ref.GetObject().GetSHA(), nil
}

// CreateBranch points a new branch at the head of the base branch.
func (p *GitHubPublisher) CreateBranch(ctx context.Context, name string) error {
	base, err := p.baseBranch(ctx)
	if err != nil {
		return err
	}
	sha, err := p.headSHA(ctx, base)
	if err != nil {
		return err
	}
	if err := p.wait(ctx); err != nil {
		return err
	}
	_, _, err = p.client.Git.CreateRef(ctx, p.owner, p.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: github.String(sha)},
	})
	if err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	p.log.Info("branch created", zap.String("branch", name), zap.String("base", base))
	return nil
}

// Commit creates blobs, a tree on top of the branch head, a commit and then
// fast-forwards the branch.
func (p *GitHubPublisher) Commit(ctx context.Context, branch string, files []File, message string) (CommitRef, error) {
	files, err := cleanFiles(files)
	if err != nil {
		return CommitRef{}, err
	}

	parent, err := p.headSHA(ctx, branch)
	if err != nil {
		return CommitRef{}, err
	}
	if err := p.wait(ctx); err != nil {
		return CommitRef{}, err
	}
	parentCommit, _, err := p.client.Git.GetCommit(ctx, p.owner, p.repo, parent)
	if err != nil {
		return CommitRef{}, fmt.Errorf("get commit %s: %w", parent, err)
	}

	entries := make([]*github.TreeEntry, 0, len(files))
	for _, f := range files {
		if err := p.wait(ctx); err != nil {
			return CommitRef{}, err
		}
		blob, _, err := p.client.Git.CreateBlob(ctx, p.owner, p.repo, &github.Blob{
			Content:  github.String(f.Content),
			Encoding: github.String("utf-8"),
		})
		if err != nil {
			return CommitRef{}, fmt.Errorf("create blob %s: %w", f.Path, err)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(f.Path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  blob.SHA,
		})
	}

	if err := p.wait(ctx); err != nil {
		return CommitRef{}, err
	}
	tree, _, err := p.client.Git.CreateTree(ctx, p.owner, p.repo, parentCommit.GetTree().GetSHA(), entries)
	if err != nil {
		return CommitRef{}, fmt.Errorf("create tree: %w", err)
	}

	if err := p.wait(ctx); err != nil {
		return CommitRef{}, err
	}
	commit, _, err := p.client.Git.CreateCommit(ctx, p.owner, p.repo, &github.Commit{
		Message: github.String(message),
		Tree:    &github.Tree{SHA: tree.SHA},
		Parents: []*github.Commit{{SHA: github.String(parent)}},
	}, nil)
	if err != nil {
		return CommitRef{}, fmt.Errorf("create commit: %w", err)
	}

	if err := p.wait(ctx); err != nil {
		return CommitRef{}, err
	}
	_, _, err = p.client.Git.UpdateRef(ctx, p.owner, p.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: commit.SHA},
	}, false)
	if err != nil {
		return CommitRef{}, fmt.Errorf("update branch %s: %w", branch, err)
	}

	p.log.Info("commit created", zap.String("branch", branch), zap.String("sha", commit.GetSHA()), zap.Int("files", len(files)))
	return CommitRef{SHA: commit.GetSHA(), Branch: branch, URL: commit.GetHTMLURL()}, nil
}

// OpenRequest opens a pull request from branch into the base branch.
func (p *GitHubPublisher) OpenRequest(ctx context.Context, branch, title, body string) (RequestRef, error) {
	base, err := p.baseBranch(ctx)
	if err != nil {
		return RequestRef{}, err
	}
	if err := p.wait(ctx); err != nil {
		return RequestRef{}, err
	}
	pr, _, err := p.client.PullRequests.Create(ctx, p.owner, p.repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(branch),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err != nil {
		return RequestRef{}, fmt.Errorf("open pull request: %w", err)
	}
	p.log.Info("pull request opened", zap.Int("number", pr.GetNumber()), zap.String("url", pr.GetHTMLURL()))
	return RequestRef{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

package planner

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aristath/nexus/internal/scheduler"
)

// ParseDocument decodes a YAML or JSON plan.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode plan: %w", err)
	}
	return doc, nil
}

// FilePlanner reads a prepared plan from disk instead of asking an agent.
type FilePlanner struct {
	Path       string
	Catalog    []scheduler.Agent
	ReviewGate bool
	Logger     *zap.Logger
}

// Plan implements orchestrator.Planner. The objective in the file, if any, is
// ignored in favour of the caller's.
func (p *FilePlanner) Plan(ctx context.Context, objective string) (*scheduler.DAG, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Path, err)
	}
	return finish(doc, p.Catalog, p.ReviewGate, p.Logger)
}

func finish(doc Document, catalog []scheduler.Agent, reviewGate bool, logger *zap.Logger) (*scheduler.DAG, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reviewGate {
		inserted, err := EnsureReviews(&doc, catalog)
		if err != nil {
			return nil, err
		}
		if len(inserted) > 0 {
			logger.Info("review gate inserted reviewers", zap.Strings("tasks", inserted))
		}
	}
	return Build(doc, catalog)
}

package server

import (
	"context"

	"github.com/openparl/flaggate/internal/core"
	"github.com/openparl/flaggate/internal/repository"
	"github.com/openparl/flaggate/internal/service"
)

type Service interface {
	Evaluate(ctx context.Context, name string, ectx core.Context) bool
	EvaluateAll(ctx context.Context, ectx core.Context, names ...string) map[string]bool
	CreateFlag(ctx context.Context, flag core.Flag, actor string) (core.Flag, error)
	UpdateFlag(ctx context.Context, flag core.Flag, actor string) (core.Flag, error)
	GetFlag(ctx context.Context, name string) (core.Flag, error)
	ListFlags(ctx context.Context) ([]core.Flag, error)
	DeleteFlag(ctx context.Context, name, actor string) error
	Stats(ctx context.Context, name string) (repository.FlagStats, error)
	ListChanges(ctx context.Context, name string, limit, offset int) ([]repository.FlagChange, error)
}

var _ Service = (*service.Service)(nil)

package watch

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/portkeeper/internal/envfile"
	"github.com/mmr-tortoise/portkeeper/internal/model"
)

// EnvWriter regenerates the port files of every project that has a
// working directory on record.
type EnvWriter struct {
	Environment    model.Environment
	RegistryPath   string
	ContainerPorts map[model.ServiceType]int
	Logger         *zap.Logger
}

// Handle implements Handler. A project whose ports were all released still
// gets its files rewritten, so stale ports disappear from them.
func (e *EnvWriter) Handle(ctx context.Context, rows []model.Allocation) error {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dirs := make(map[string]string)
	for _, r := range rows {
		if r.WorkingDirectory == "" || r.Environment != e.Environment {
			continue
		}
		dirs[r.ProjectName] = r.WorkingDirectory
	}
	projects := make([]string, 0, len(dirs))
	for p := range dirs {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	var errs []error
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return err
		}
		art := envfile.Emit(model.FilterProject(rows, p, e.Environment), e.Environment, e.RegistryPath,
			envfile.WithContainerPorts(e.ContainerPorts))
		paths, err := art.WriteFiles(dirs[p])
		if err != nil {
			logger.Warn("failed to write port files", zap.String("project", p), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		logger.Info("port files updated", zap.String("project", p), zap.Strings("files", paths))
	}
	return errors.Join(errs...)
}

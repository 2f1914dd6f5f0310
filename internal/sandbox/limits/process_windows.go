//go:build windows

package limits

import (
	"context"

	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
)

// The process runtime depends on process groups, rlimits, and unix domain
// socket semantics. Windows hosts run sandboxes through the docker runtime.
type processSpawner struct {
	strict bool
	log    *logger.Logger
}

func newProcessSpawner(strict bool, log *logger.Logger) *processSpawner {
	return &processSpawner{strict: strict, log: log}
}

func (p *processSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	return nil, errs.New(errs.KindBadRequest,
		"process runtime is not supported on windows; use the docker runtime")
}

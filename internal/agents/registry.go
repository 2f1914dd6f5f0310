// Package agents manages deployed agent bundles: validated directories of
// agent instructions (CLAUDE.md plus optional .mcp.json, settings, and
// install.sh) copied under the data dir and versioned in the store.
package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/fsutil"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/events"
	"github.com/ashrun/ash/internal/events/bus"
	"github.com/ashrun/ash/internal/snapshot"
	"github.com/ashrun/ash/internal/store"
)

// InstructionsFile must exist at the bundle root for a deploy to be valid.
const InstructionsFile = "CLAUDE.md"

// MaxAgentFileBytes caps single-file reads from a bundle.
const MaxAgentFileBytes = 1 << 20

// Registry deploys, versions, and serves agent bundles.
type Registry struct {
	baseDir string
	st      *store.Store
	bus     bus.EventBus
	log     *logger.Logger
}

// New creates the registry and ensures the bundle base directory exists.
func New(cfg *config.Config, st *store.Store, eventBus bus.EventBus, log *logger.Logger) (*Registry, error) {
	baseDir := filepath.Join(cfg.DataDir, "agents")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create agents dir: %w", err)
	}
	return &Registry{
		baseDir: baseDir,
		st:      st,
		bus:     eventBus,
		log:     log.WithFields(zap.String("component", "agent-registry")),
	}, nil
}

// BundleDir returns where an agent's deployed bundle lives.
func (r *Registry) BundleDir(name string) string {
	return filepath.Join(r.baseDir, name)
}

// Deploy registers an agent from a directory on the server's filesystem.
// Redeploying an existing name bumps its version; the previous bundle is
// kept until the new one is fully staged and validated.
func (r *Registry) Deploy(ctx context.Context, tenantID, name, sourceDir string) (*store.Agent, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	info, err := os.Stat(sourceDir)
	if err != nil || !info.IsDir() {
		return nil, errs.Newf(errs.KindBadRequest, "agent source %s is not a directory", sourceDir)
	}

	stage, err := r.stageDir(name)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(stage)

	if err := fsutil.CopyTree(sourceDir, stage); err != nil {
		return nil, errs.Wrap(errs.KindInternal, "stage agent bundle", err)
	}
	return r.commit(ctx, tenantID, name, stage)
}

// DeployBundle registers an agent from an uploaded tar.gz bundle.
func (r *Registry) DeployBundle(ctx context.Context, tenantID, name string, bundle io.Reader) (*store.Agent, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	stage, err := r.stageDir(name)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(stage)

	if err := snapshot.ExtractWorkspaceArchive(bundle, stage); err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "extract agent bundle", err)
	}
	return r.commit(ctx, tenantID, name, stage)
}

// commit validates the staged bundle, swaps it into place, and records the
// deploy. On any failure before the swap the previous version is untouched.
func (r *Registry) commit(ctx context.Context, tenantID, name, stage string) (*store.Agent, error) {
	if err := ValidateBundle(stage); err != nil {
		return nil, err
	}

	dir := r.BundleDir(name)
	if err := r.swap(stage, dir); err != nil {
		return nil, err
	}

	existing, err := r.st.GetAgent(ctx, tenantID, name)
	switch {
	case err == nil:
		version, err := r.st.BumpAgentVersion(ctx, tenantID, name, dir)
		if err != nil {
			return nil, errs.Wrap(errs.KindPersistence, "bump agent version", err)
		}
		existing.Version = version
		existing.Path = dir
		r.publish(ctx, events.AgentRedeployed, tenantID, name, version)
		r.log.Info("Agent redeployed", zap.String("agent", name), zap.Int("version", version))
		return existing, nil
	case errs.Is(err, errs.KindNotFound):
		agent := &store.Agent{TenantID: tenantID, Name: name, Path: dir}
		if err := r.st.CreateAgent(ctx, agent); err != nil {
			return nil, errs.Wrap(errs.KindPersistence, "create agent", err)
		}
		r.publish(ctx, events.AgentDeployed, tenantID, name, agent.Version)
		r.log.Info("Agent deployed", zap.String("agent", name), zap.Int("version", agent.Version))
		return agent, nil
	default:
		return nil, err
	}
}

// swap atomically replaces dir with stage, restoring the old bundle if the
// final rename fails.
func (r *Registry) swap(stage, dir string) error {
	old := dir + ".old"
	_ = os.RemoveAll(old)

	hadPrevious := false
	if _, err := os.Stat(dir); err == nil {
		hadPrevious = true
		if err := os.Rename(dir, old); err != nil {
			return errs.Wrap(errs.KindInternal, "retire previous bundle", err)
		}
	}
	if err := os.Rename(stage, dir); err != nil {
		if hadPrevious {
			_ = os.Rename(old, dir)
		}
		return errs.Wrap(errs.KindInternal, "install agent bundle", err)
	}
	_ = os.RemoveAll(old)
	return nil
}

func (r *Registry) stageDir(name string) (string, error) {
	stage, err := os.MkdirTemp(r.baseDir, ".stage-"+name+"-")
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "create staging dir", err)
	}
	return stage, nil
}

// Get returns the agent row. The row's Path is authoritative for the bundle
// location.
func (r *Registry) Get(ctx context.Context, tenantID, name string) (*store.Agent, error) {
	return r.st.GetAgent(ctx, tenantID, name)
}

// List returns all agents for a tenant.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*store.Agent, error) {
	return r.st.ListAgents(ctx, tenantID)
}

// Delete removes the agent row and its bundle. Live sessions keep their
// workspace copy of the bundle, so they are unaffected.
func (r *Registry) Delete(ctx context.Context, tenantID, name string) error {
	agent, err := r.st.GetAgent(ctx, tenantID, name)
	if err != nil {
		return err
	}
	if err := r.st.DeleteAgent(ctx, tenantID, name); err != nil {
		return err
	}
	if agent.Path != "" {
		if err := os.RemoveAll(agent.Path); err != nil {
			r.log.Warn("Failed to remove agent bundle", zap.String("agent", name), zap.Error(err))
		}
	}
	r.publish(ctx, events.AgentDeleted, tenantID, name, agent.Version)
	r.log.Info("Agent deleted", zap.String("agent", name))
	return nil
}

// Files lists the bundle's tree.
func (r *Registry) Files(ctx context.Context, tenantID, name string) ([]fsutil.Entry, error) {
	agent, err := r.st.GetAgent(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	entries, err := fsutil.ListTree(agent.Path, nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list agent files", err)
	}
	return entries, nil
}

// ReadFile returns one bundle file, capped at MaxAgentFileBytes.
func (r *Registry) ReadFile(ctx context.Context, tenantID, name, path string) ([]byte, error) {
	agent, err := r.st.GetAgent(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	full, err := fsutil.SafeJoin(agent.Path, path)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "resolve agent file path", err)
	}
	data, err := fsutil.ReadCapped(full, MaxAgentFileBytes)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, fsutil.ErrTooLarge):
		return nil, errs.Newf(errs.KindBadRequest, "agent file %s exceeds %d bytes", path, MaxAgentFileBytes)
	case errors.Is(err, fsutil.ErrIsDirectory):
		return nil, errs.Newf(errs.KindBadRequest, "%s is a directory", path)
	case os.IsNotExist(err):
		return nil, errs.Newf(errs.KindNotFound, "agent file %s not found", path)
	default:
		return nil, errs.Wrap(errs.KindInternal, "read agent file", err)
	}
}

// ValidateBundle checks that a directory is a deployable agent bundle.
func ValidateBundle(dir string) error {
	info, err := os.Stat(filepath.Join(dir, InstructionsFile))
	if err != nil {
		return errs.Newf(errs.KindBadRequest, "agent bundle missing %s", InstructionsFile)
	}
	if info.IsDir() {
		return errs.Newf(errs.KindBadRequest, "%s must be a file", InstructionsFile)
	}
	return nil
}

// validateName rejects names that cannot serve as a directory name.
func validateName(name string) error {
	if name == "" {
		return errs.New(errs.KindBadRequest, "agent name is required")
	}
	if strings.HasPrefix(name, ".") || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return errs.Newf(errs.KindBadRequest, "invalid agent name %q", name)
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, eventType, tenantID, name string, version int) {
	if r.bus == nil {
		return
	}
	payload := events.AgentPayload{TenantID: tenantID, AgentName: name, Version: version}
	if err := r.bus.Publish(ctx, bus.SubjectAgentEvents, bus.NewEvent(eventType, "agent-registry", payload)); err != nil {
		r.log.Debug("Agent event publish failed", zap.Error(err))
	}
}

package limits

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"go.uber.org/zap"
)

// dockerSpawner runs each sandbox in its own container: read-only root
// filesystem, the workspace bind-mounted read-write at the same path as on
// the host, a private tmpfs /tmp, and memory/CPU/pid limits. All four
// capabilities hold, so this is the runtime strict mode requires.
type dockerSpawner struct {
	cli   *client.Client
	image string
	log   *logger.Logger
}

func newDockerSpawner(cfg *config.Config, log *logger.Logger) (*dockerSpawner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Docker.Host != "" {
		opts = append(opts, client.WithHost(cfg.Docker.Host))
	}
	if cfg.Docker.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.Docker.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "create docker client", err)
	}

	return &dockerSpawner{
		cli:   cli,
		image: cfg.Docker.Image,
		log:   log.WithFields(zap.String("component", "docker-spawner")),
	}, nil
}

func (d *dockerSpawner) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	containerCfg := &container.Config{
		Image:      d.image,
		Cmd:        append([]string{spec.Command}, spec.Args...),
		Env:        BuildEnv(spec.Env),
		WorkingDir: spec.WorkspaceDir,
		Labels: map[string]string{
			"ash.sandbox": spec.Name,
		},
	}

	pids := int64(spec.Caps.MaxProcs)
	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		// Same path inside and out so socket and workspace paths written by
		// the bridge stay valid for the host.
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceDir,
			Target: spec.WorkspaceDir,
		}},
		Tmpfs: map[string]string{
			"/tmp": "rw,size=512m",
		},
		Resources: container.Resources{
			Memory:    int64(spec.Caps.MemoryMB) << 20,
			NanoCPUs:  int64(spec.Caps.CPUs * 1e9),
			PidsLimit: &pids,
		},
	}

	name := "ash-sandbox-" + spec.Name
	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		if pullErr := d.pullImage(ctx); pullErr != nil {
			return nil, pullErr
		}
		resp, err = d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "create sandbox container", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, errs.Wrap(errs.KindInternal, "start sandbox container", err)
	}

	pid := 0
	if inspect, err := d.cli.ContainerInspect(ctx, resp.ID); err == nil && inspect.State != nil {
		pid = inspect.State.Pid
	}

	d.log.Info("sandbox container started",
		zap.String("container_id", resp.ID),
		zap.String("name", name),
		zap.Int("pid", pid))

	return &dockerProcess{
		cli:  d.cli,
		id:   resp.ID,
		pid:  pid,
		log:  d.log,
		done: make(chan struct{}),
	}, nil
}

func (d *dockerSpawner) pullImage(ctx context.Context) error {
	d.log.Info("pulling sandbox image", zap.String("image", d.image))
	reader, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return errs.Wrap(errs.KindInternal, "pull sandbox image", err)
	}
	defer reader.Close()
	// Drain so the pull completes before create retries.
	_, err = io.Copy(io.Discard, reader)
	return err
}

type dockerProcess struct {
	cli *client.Client
	id  string
	pid int
	log *logger.Logger

	once   sync.Once
	status ExitStatus
	done   chan struct{}
}

func (d *dockerProcess) PID() int {
	return d.pid
}

func (d *dockerProcess) Caps() Capabilities {
	return Capabilities{
		FilesystemIsolated: true,
		CPUCapped:          true,
		MemCapped:          true,
		ProcessCapped:      true,
	}
}

// Wait blocks until the container stops, reads OOMKilled from the final
// inspect, and removes the container.
func (d *dockerProcess) Wait() ExitStatus {
	d.once.Do(func() {
		ctx := context.Background()

		waitCh, errCh := d.cli.ContainerWait(ctx, d.id, container.WaitConditionNotRunning)
		select {
		case body := <-waitCh:
			d.status.Code = int(body.StatusCode)
		case err := <-errCh:
			d.status.Code = -1
			d.status.Err = err
		}

		if inspect, err := d.cli.ContainerInspect(ctx, d.id); err == nil && inspect.State != nil {
			d.status.OOM = inspect.State.OOMKilled
		}

		rmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(rmCtx, d.id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			d.log.Warn("failed to remove sandbox container",
				zap.String("container_id", d.id), zap.Error(err))
		}

		close(d.done)
	})
	<-d.done
	return d.status
}

func (d *dockerProcess) Signal(sig os.Signal) error {
	return d.cli.ContainerKill(context.Background(), d.id, dockerSignal(sig))
}

func (d *dockerProcess) Kill() error {
	return d.cli.ContainerKill(context.Background(), d.id, "SIGKILL")
}

func dockerSignal(sig os.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT, os.Interrupt:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	default:
		return "SIGKILL"
	}
}

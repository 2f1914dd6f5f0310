package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/httpmw"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/sandbox/manager"
)

// Heartbeater announces this runner to the coordinator and keeps the
// registration alive. The coordinator reaps runners that miss heartbeats and
// answers an unknown runner with 404, so either side restarting heals itself:
// the runner just registers again on the next tick.
type Heartbeater struct {
	cfg    *config.Config
	mgr    *manager.Manager
	log    *logger.Logger
	client *http.Client

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewHeartbeater(cfg *config.Config, mgr *manager.Manager, log *logger.Logger) *Heartbeater {
	return &Heartbeater{
		cfg:    cfg,
		mgr:    mgr,
		log:    log.WithFields(zap.String("component", "heartbeat")),
		client: &http.Client{Timeout: 10 * time.Second},
		stopCh: make(chan struct{}),
	}
}

// Start launches the register/heartbeat loop. Registration failures are
// retried on the heartbeat interval; the runner keeps serving either way and
// the coordinator routes nothing here until it shows up.
func (h *Heartbeater) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.loop(ctx)
}

func (h *Heartbeater) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

func (h *Heartbeater) loop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Timeouts.HeartbeatInterval())
	defer ticker.Stop()

	registered := h.tryRegister(ctx)
	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !registered {
				registered = h.tryRegister(ctx)
				continue
			}
			switch err := h.beat(ctx); {
			case err == nil:
			case errs.Is(err, errs.KindNotFound):
				h.log.Warn("Coordinator lost our registration, re-registering")
				registered = h.tryRegister(ctx)
			default:
				h.log.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (h *Heartbeater) tryRegister(ctx context.Context) bool {
	req := RegisterRequest{
		ID:           h.cfg.Runner.ID,
		Host:         h.advertiseHost(),
		Port:         h.cfg.Runner.Port,
		MaxSandboxes: h.cfg.Runner.MaxSandboxes,
	}
	if err := h.post(ctx, "/api/internal/runners/register", req); err != nil {
		h.log.Warn("Registration failed", zap.Error(err))
		return false
	}
	h.log.Info("Registered with coordinator",
		zap.String("coordinator", h.cfg.Runner.ServerURL),
		zap.String("advertiseHost", req.Host),
		zap.Int("port", req.Port),
		zap.Int("maxSandboxes", req.MaxSandboxes))
	return true
}

func (h *Heartbeater) beat(ctx context.Context) error {
	live, warming := h.mgr.Counts()
	return h.post(ctx, "/api/internal/runners/heartbeat", HeartbeatRequest{
		ID:      h.cfg.Runner.ID,
		Active:  live,
		Warming: warming,
	})
}

func (h *Heartbeater) post(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	url := strings.TrimRight(h.cfg.Runner.ServerURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpmw.InternalSecretHeader, h.cfg.InternalSecret)

	resp, err := h.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindUpstream, "coordinator unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var env errorEnvelope
		if decodeErr := json.NewDecoder(resp.Body).Decode(&env); decodeErr == nil && env.Error != "" {
			return errs.New(kindForStatus(resp.StatusCode), env.Error)
		}
		return errs.Newf(kindForStatus(resp.StatusCode), "coordinator returned %s", resp.Status)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// advertiseHost is the address the coordinator dials back on. A bind address
// like 0.0.0.0 is not dialable, so fall back to the machine's hostname.
func (h *Heartbeater) advertiseHost() string {
	if v := h.cfg.Runner.AdvertiseHost; v != "" {
		return v
	}
	host := h.cfg.Runner.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		if name, err := os.Hostname(); err == nil && name != "" {
			return name
		}
		return "127.0.0.1"
	}
	return host
}

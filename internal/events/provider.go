package events

import (
	"fmt"
	"strings"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/events/bus"
)

// Provide builds the configured event bus: NATS when ASH_NATS_URL is set,
// in-memory otherwise. The returned cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATSURL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATSURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}

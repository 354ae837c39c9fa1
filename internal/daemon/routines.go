package daemon

import (
	"github.com/matheus3301/warelay/internal/gateway"
	"github.com/matheus3301/warelay/internal/relay"
	"github.com/matheus3301/warelay/internal/status"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// registerHealthRoutine adds a periodic job that logs session health. The
// whatsmeow event handlers drive state; this just surfaces drift between the
// machine and the socket in the logs.
func registerHealthRoutine(c *cron.Cron, controller *relay.Controller, machine *status.Machine, hub *gateway.Hub, logger *zap.Logger) {
	_, err := c.AddFunc("0 */5 * * * *", func() {
		state := machine.Current()
		fields := []zap.Field{
			zap.String("state", string(state)),
			zap.Int("connections", hub.Count()),
		}

		adapter := controller.Adapter()
		if adapter == nil {
			logger.Info("session health: no adapter", fields...)
			return
		}
		fields = append(fields,
			zap.Bool("connected", adapter.IsConnected()),
			zap.Bool("logged_in", adapter.IsLoggedIn()),
		)

		if state == status.Ready && !adapter.IsConnected() {
			logger.Warn("session health: ready but socket is down", fields...)
			return
		}
		logger.Info("session health", fields...)
	})
	if err != nil {
		logger.Error("failed to register health routine", zap.Error(err))
	}
}

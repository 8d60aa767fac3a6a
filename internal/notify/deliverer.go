package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogDeliverer records deliveries to the log instead of a push provider.
// It stands in until a mobile push backend is configured; the dispatcher
// pacing and endpoint bookkeeping behave identically either way.
type LogDeliverer struct {
	logger *zap.Logger
}

// NewLogDeliverer builds a log-backed deliverer.
func NewLogDeliverer(logger *zap.Logger) *LogDeliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDeliverer{logger: logger}
}

// Deliver logs the notification instead of pushing it.
func (d *LogDeliverer) Deliver(_ context.Context, endpoint Endpoint, notification Notification) error {
	d.logger.Info("push notification",
		zap.String("address", endpoint.Address),
		zap.String("device_type", endpoint.DeviceType),
		zap.String("title", notification.Title),
		zap.Bool("silent", notification.Silent))
	return nil
}

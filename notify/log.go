package notify

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/warp/incapacidades/lifecycle"
)

// LogNotifier writes notifications to the log and accepts them. Used when
// no webhook is configured, e.g. local development.
type LogNotifier struct {
	log logrus.FieldLogger
}

var _ lifecycle.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{log: log.WithField("component", "log_notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, msg lifecycle.Notification) lifecycle.DispatchResult {
	n.log.WithFields(logrus.Fields{
		"kind":      msg.Kind,
		"serial":    msg.Case.Serial,
		"cedula":    msg.Case.Cedula,
		"estado":    msg.Case.Estado,
		"faltantes": msg.Checklist.Missing(),
		"motivo":    msg.Reason,
	}).Info("notification")
	return lifecycle.DispatchResult{Accepted: true}
}

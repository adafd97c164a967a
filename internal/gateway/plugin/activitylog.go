package plugin

import (
	"log/slog"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

// ActivityLog is a sample plugin logging every inbound activity and
// vetoing it for downstream observers.
type ActivityLog struct {
	logger *slog.Logger
}

func NewActivityLog(logger *slog.Logger) *ActivityLog {
	return &ActivityLog{logger: logger}
}

func (p *ActivityLog) Name() string {
	return "log"
}

func (p *ActivityLog) Handle(item *domain.QueueItem) {
	switch item.Type {
	case domain.ActivityRing:
		p.logger.Info("Incoming call", "address", item.Address)
	case domain.ActivityInbox:
		p.logger.Info("Incoming message", "address", item.Address, "message", item.Payload())
	case domain.ActivityCUSD:
		p.logger.Info("Incoming USSD", "address", item.Address, "message", item.Payload())
	default:
		return
	}
	item.Veto = true
}

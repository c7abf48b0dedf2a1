package conference

import "go.uber.org/zap"

// LogProvider is a Provider that records group signals without driving any
// media transport. Clients derive their media session from the group id the
// gateway relays, so the server side is an audit trail.
type LogProvider struct {
	logger *zap.Logger
}

// NewLogProvider creates a LogProvider.
//
// Precondition: logger must be non-nil.
func NewLogProvider(logger *zap.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (p *LogProvider) JoinGroup(groupID, connID string) {
	p.logger.Debug("conference join",
		zap.String("group_id", groupID),
		zap.String("conn_id", connID),
	)
}

func (p *LogProvider) LeaveGroup(groupID, connID string) {
	p.logger.Debug("conference leave",
		zap.String("group_id", groupID),
		zap.String("conn_id", connID),
	)
}

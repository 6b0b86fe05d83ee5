package standard

import (
	"github.com/willibrandon/mtlog/core"

	"github.com/st-keller/leakwatch/report"
	"github.com/st-keller/leakwatch/types"
)

// LogListener writes every leak to a logger at Warning level.
type LogListener struct {
	logger core.Logger
}

// NewLogListener creates a LogListener.
func NewLogListener(logger core.Logger) *LogListener {
	return &LogListener{logger: logger.ForContext("SourceContext", "leakwatch.listener")}
}

// OnLeak logs each leak in rep.
func (l *LogListener) OnLeak(rep report.Report) {
	for _, leak := range rep.Leaks {
		l.logger.Warning("Leak {LeakID} in report {ReportID}: {Description} after {Marks} scans, stack {Stack}, fingerprint {Fingerprint}",
			leak.ID, rep.ID, leak.Description, leak.Marks, leak.Stack, leak.Fingerprint)
	}
}

// Multi fans one report out to several listeners, in order.
type Multi []types.Listener

// OnLeak calls every non-nil listener.
func (m Multi) OnLeak(rep report.Report) {
	for _, l := range m {
		if l != nil {
			l.OnLeak(rep)
		}
	}
}

package statestream

import (
	"time"

	"github.com/diffstock/coreengine/internal/paper"
	"github.com/diffstock/coreengine/internal/trainer"
)

// TrainerReporter adapts a Broadcaster to trainer.Reporter, so the
// training engine never has to know about websockets or message
// envelopes.
type TrainerReporter struct {
	broadcaster *Broadcaster
}

// NewTrainerReporter builds a trainer.Reporter backed by broadcaster.
func NewTrainerReporter(broadcaster *Broadcaster) *TrainerReporter {
	return &TrainerReporter{broadcaster: broadcaster}
}

// ReportEpoch implements trainer.Reporter.
func (r *TrainerReporter) ReportEpoch(report trainer.EpochReport) {
	r.broadcaster.Broadcast(Message{
		Type:      EventTrainingEpoch,
		Data:      report,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// PaperReporter adapts a Broadcaster to paper.Reporter.
type PaperReporter struct {
	broadcaster *Broadcaster
}

// NewPaperReporter builds a paper.Reporter backed by broadcaster.
func NewPaperReporter(broadcaster *Broadcaster) *PaperReporter {
	return &PaperReporter{broadcaster: broadcaster}
}

// ReportSnapshot implements paper.Reporter.
func (r *PaperReporter) ReportSnapshot(snap paper.Snapshot) {
	r.broadcaster.Broadcast(Message{
		Type:      EventPaperSnapshot,
		Data:      snap,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// ReportTrade implements paper.Reporter.
func (r *PaperReporter) ReportTrade(trade paper.Trade) {
	r.broadcaster.Broadcast(Message{
		Type:      EventPaperTrade,
		Data:      trade,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

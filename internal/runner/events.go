package runner

import "github.com/perchlabs/agentd/pkg/models"

// Sink receives incremental run events. The loop has no UI of its own; a
// sink drives whatever front end is attached. A nil Sink is valid.
type Sink func(*models.RunEvent)

func (s Sink) emit(ev *models.RunEvent) {
	if s != nil {
		s(ev)
	}
}

package stage

import (
	"fmt"

	"github.com/lucasnoah/redgreen/internal/checks"
	"github.com/lucasnoah/redgreen/internal/pipeline"
)

// Stopped is returned by Engine.Run when the cooperative stop flag was
// observed at a stage boundary, or when the run's context was cancelled.
// It carries what the summarizer needs to describe the interruption.
type Stopped struct {
	Completed []pipeline.Stage
	Current   pipeline.Stage
	Tracker   *checks.Tracker
	SessionID string
}

func (s *Stopped) Error() string {
	return fmt.Sprintf("pipeline stopped during %s", s.Current)
}

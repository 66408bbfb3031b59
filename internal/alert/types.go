package alert

import (
	"context"
	"time"

	"github.com/rickgao/collabd/internal/model"
)

// Level holds the warning and critical thresholds of one signal. A zero
// level is not evaluated.
type Level struct {
	Warning  float64
	Critical float64
}

// Config configures a Manager.
type Config struct {
	CPU          Level // percent
	Memory       Level // percent
	Disk         Level // percent
	ErrorRate    Level // fraction
	LatencyMS    Level
	Occurrences  map[model.Severity]int
	ActiveWindow time.Duration
	HistorySize  int
}

// DefaultHistorySize bounds the in-memory alert history.
const DefaultHistorySize = 1000

// Dispatcher delivers alerts that passed de-duplication.
type Dispatcher interface {
	Dispatch(ctx context.Context, a model.Alert) error
}

// Channel is one notification sink.
type Channel interface {
	Name() string
	Send(ctx context.Context, a model.Alert) error
}

// counterKey identifies one de-duplication counter.
type counterKey struct {
	typ      model.AlertType
	severity model.Severity
}

type counter struct {
	count int
	last  time.Time
}

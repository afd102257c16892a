// Package scout is a no-op stand-in for the original's usage-tracking
// client (telepresence/usage_tracking.py): it gives callers a stable
// Report call site without sending anything anywhere, matching the
// teacher's pattern of a scout interface wired through Runner but
// disabled by default (pkg/client/scout in the teacher repo).
package scout

// Reporter records usage events. The no-op Reporter discards everything;
// it exists so call sites read the same whether or not telemetry is
// compiled in.
type Reporter interface {
	Report(event string, fields map[string]interface{}) error
}

type noopReporter struct{}

// New returns the no-op Reporter used by default.
func New() Reporter {
	return noopReporter{}
}

func (noopReporter) Report(string, map[string]interface{}) error {
	return nil
}

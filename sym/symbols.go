// Package sym defines the glyphs automaton attaches to log lines and CLI output.
// These symbols are stable across log fields, CLI tables and documentation.
package sym

// Subsystem glyphs.
const (
	Pulse      = "꩜" // engine loop, scheduling, retries
	PulseOpen  = "✿" // startup and interruption recovery
	PulseClose = "❀" // shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Limit      = "⧗" // frequency limits
	Asset      = "▤" // cached assets
	Remote     = "⟶" // remote data reconciliation
)

// entry binds a glyph to the subsystem name used in structured logs.
type entry struct {
	glyph     string
	subsystem string
}

var registry = []entry{
	{Pulse, "engine"},
	{PulseOpen, "startup"},
	{PulseClose, "shutdown"},
	{DB, "db"},
	{AM, "config"},
	{Limit, "frequency"},
	{Asset, "assets"},
	{Remote, "remotedata"},
}

var subsystemToGlyph map[string]string

func init() {
	subsystemToGlyph = make(map[string]string, len(registry))
	for _, e := range registry {
		subsystemToGlyph[e.subsystem] = e.glyph
	}
}

// ForSubsystem returns the glyph for a subsystem name, or "" when unknown.
func ForSubsystem(name string) string {
	return subsystemToGlyph[name]
}

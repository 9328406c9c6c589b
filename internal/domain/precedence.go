package domain

// SourcePrecedenceTable is a strict total order over source ids used to
// resolve field ownership. It is loaded as a versioned row and passed through
// constructors, never held as process state, so multiple reconciler instances
// can run against the same table.
type SourcePrecedenceTable struct {
	version int64
	ranks   map[string]int
	order   []string
}

// NewSourcePrecedenceTable builds a table from sources listed highest
// precedence first.
func NewSourcePrecedenceTable(version int64, sources []string) SourcePrecedenceTable {
	ranks := make(map[string]int, len(sources))
	for i, src := range sources {
		ranks[src] = i
	}
	return SourcePrecedenceTable{
		version: version,
		ranks:   ranks,
		order:   append([]string(nil), sources...),
	}
}

// DefaultPrecedence returns the built-in source ordering. Device-backed
// sources outrank aggregators, which outrank manual entry.
func DefaultPrecedence() SourcePrecedenceTable {
	return NewSourcePrecedenceTable(1, []string{
		"garmin",
		"strava",
		"fitbit",
		"oura",
		"whoop",
		"withings",
		"healthkit",
		"health_connect",
		"manual",
	})
}

// Version reports the table revision.
func (t SourcePrecedenceTable) Version() int64 { return t.version }

// Sources returns the ordering, highest precedence first.
func (t SourcePrecedenceTable) Sources() []string {
	return append([]string(nil), t.order...)
}

// Rank returns the precedence index for a source; lower is higher precedence.
// Unknown sources rank below every listed one.
func (t SourcePrecedenceTable) Rank(sourceID string) int {
	if rank, ok := t.ranks[sourceID]; ok {
		return rank
	}
	return len(t.order)
}

// Outranks reports whether source a has strictly higher precedence than b.
func (t SourcePrecedenceTable) Outranks(a, b string) bool {
	return t.Rank(a) < t.Rank(b)
}

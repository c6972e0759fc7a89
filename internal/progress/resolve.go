package progress

// Resolve reconcile two versions of the same record.
//
// The higher Version wins, on a tie the strictly later LastUpdated wins, and on a full tie the
// further position wins, falling back to a. Completed is sticky: the result is completed
// when either side is. Neither argument is modified.
func Resolve(a, b *Record) *Record {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return b.Clone()
	case b == nil:
		return a.Clone()
	}

	winner := a
	switch {
	case b.Version > a.Version:
		winner = b
	case b.Version < a.Version:
	case b.LastUpdated.After(a.LastUpdated):
		winner = b
	case a.LastUpdated.After(b.LastUpdated):
	case b.Position.Value > a.Position.Value:
		winner = b
	}

	out := winner.Clone()
	out.Completed = a.Completed || b.Completed
	return out
}

package call

// Layout is the tiling rule for rendering n participants. This is a
// presentation rule, not a protocol rule, but the mapping is fixed and
// the UI reproduces it exactly.
type Layout struct {
	Columns     int
	Rows        int
	SelfOverlay bool // single participant: full screen with self as overlay tile
	Asymmetric  bool // three participants: split with an asymmetric third tile
	Wrap        bool // beyond 9: responsive column wrap
}

// LayoutFor returns the layout for n participants as a pure function of
// the count.
func LayoutFor(n int) Layout {
	switch {
	case n <= 1:
		return Layout{Columns: 1, Rows: 1, SelfOverlay: true}
	case n == 2:
		return Layout{Columns: 2, Rows: 1}
	case n == 3:
		return Layout{Columns: 2, Rows: 2, Asymmetric: true}
	case n == 4:
		return Layout{Columns: 2, Rows: 2}
	case n <= 6:
		return Layout{Columns: 3, Rows: 2}
	case n <= 9:
		return Layout{Columns: 3, Rows: 3}
	default:
		return Layout{Wrap: true}
	}
}

package sequence

// Filter decides whether a frame takes part in a job. Filters must be
// pure functions of sequence state and frame index: the engine calls
// them once for counting and again during fan-out, and the two passes
// must agree.
type Filter func(seq *Sequence, index int) bool

// Included passes frames whose inclusion flag is set. Default filter
// for most operations.
func Included() Filter {
	return func(seq *Sequence, index int) bool {
		return seq.Frames[index].Included
	}
}

// All passes every frame, ignoring inclusion flags. Used for format
// conversion, which must carry bad frames too.
func All() Filter {
	return func(*Sequence, int) bool { return true }
}

// MinQuality passes frames whose quality score has been computed and
// exceeds min.
func MinQuality(min float64) Filter {
	return func(seq *Sequence, index int) bool {
		st := seq.Frames[index].Stats
		return st.HasQuality() && st.Quality > min
	}
}

// MaxFWHM passes frames whose FWHM has been computed and is below max.
func MaxFWHM(max float64) Filter {
	return func(seq *Sequence, index int) bool {
		st := seq.Frames[index].Stats
		return st.HasFWHM() && st.FWHM < max
	}
}

// MinRoundness passes frames whose roundness has been computed and
// exceeds min.
func MinRoundness(min float64) Filter {
	return func(seq *Sequence, index int) bool {
		st := seq.Frames[index].Stats
		return st.HasRoundness() && st.Roundness > min
	}
}

// MultiFilter combines filters with AND, short-circuiting on the
// first rejection. Order is preserved so cheap gates can run first.
func MultiFilter(filters ...Filter) Filter {
	return func(seq *Sequence, index int) bool {
		for _, f := range filters {
			if !f(seq, index) {
				return false
			}
		}
		return true
	}
}

// CountFiltered counts the frames a filter passes, with no side
// effects. The engine requires this count up front to size progress
// reporting and to fail fast when nothing is eligible.
func CountFiltered(seq *Sequence, f Filter) int {
	n := 0
	for i := range seq.Frames {
		if f(seq, i) {
			n++
		}
	}
	return n
}

// FilteredIndices returns the passing original indices in ascending
// order. Position in the returned slice is the frame's output rank.
func FilteredIndices(seq *Sequence, f Filter) []int {
	var out []int
	for i := range seq.Frames {
		if f(seq, i) {
			out = append(out, i)
		}
	}
	return out
}

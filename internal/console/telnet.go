package console

// Telnet command bytes (RFC 854)
const (
	iac  = 255
	dont = 254
	do   = 253
	wont = 252
	will = 251
	sb   = 250
	se   = 240
)

type filterState int

const (
	stateData filterState = iota
	stateIAC
	stateOption
	stateSub
	stateSubIAC
)

// iacFilter removes telnet negotiation sequences from a byte stream. It
// keeps state between calls so sequences split across reads are handled.
type iacFilter struct {
	state filterState
}

// Filter returns in without negotiation bytes. An escaped IAC IAC yields a
// single 0xFF data byte.
func (f *iacFilter) Filter(in []byte) []byte {
	out := make([]byte, 0, len(in))
	for _, b := range in {
		switch f.state {
		case stateData:
			if b == iac {
				f.state = stateIAC
				continue
			}
			out = append(out, b)
		case stateIAC:
			switch b {
			case iac:
				out = append(out, b)
				f.state = stateData
			case will, wont, do, dont:
				f.state = stateOption
			case sb:
				f.state = stateSub
			default:
				f.state = stateData
			}
		case stateOption:
			f.state = stateData
		case stateSub:
			if b == iac {
				f.state = stateSubIAC
			}
		case stateSubIAC:
			if b == se {
				f.state = stateData
			} else {
				f.state = stateSub
			}
		}
	}
	return out
}

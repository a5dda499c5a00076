package domain

// Side identifies one of the two ledgers of a trade.
type Side string

const (
	SideUnset    Side = ""
	SideStellar  Side = "stellar"
	SideEthereum Side = "ethereum"
)

// ParseSide ...
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideStellar, SideEthereum:
		return Side(s), nil
	default:
		return SideUnset, ErrInvalidSide
	}
}

func (s Side) IsValid() bool {
	return s == SideStellar || s == SideEthereum
}

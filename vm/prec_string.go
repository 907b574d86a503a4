package vm

import "strconv"

func (i Prec) String() string {
	switch i {
	case PrecNone:
		return "PrecNone"
	case PrecAssign:
		return "PrecAssign"
	case PrecOr:
		return "PrecOr"
	case PrecAnd:
		return "PrecAnd"
	case PrecEqual:
		return "PrecEqual"
	case PrecComp:
		return "PrecComp"
	case PrecTerm:
		return "PrecTerm"
	case PrecFactor:
		return "PrecFactor"
	case PrecUnary:
		return "PrecUnary"
	case PrecCall:
		return "PrecCall"
	case PrecPrimary:
		return "PrecPrimary"
	default:
		return "Prec(" + strconv.Itoa(int(i)) + ")"
	}
}

package vm

import "strconv"

func (i FunType) String() string {
	switch i {
	case FTypeFunction:
		return "FTypeFunction"
	case FTypeInitializer:
		return "FTypeInitializer"
	case FTypeMethod:
		return "FTypeMethod"
	case FTypeScript:
		return "FTypeScript"
	default:
		return "FunType(" + strconv.Itoa(int(i)) + ")"
	}
}

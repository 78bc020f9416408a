// Package network describes connectivity as reported by the host and maps it
// to worker pool sizes.
package network

// DefaultPoolSize is the worker count used without connectivity information.
const DefaultPoolSize = 3

// Class groups network technologies by expected bandwidth.
type Class int

const (
	// Unknown is any connection the host cannot classify.
	Unknown Class = iota
	// Broadband covers Wi-Fi, Ethernet and WiMAX.
	Broadband
	// CellularFast covers LTE, HSPA+ and eHRPD.
	CellularFast
	// Cellular3G covers UMTS, CDMA and EVDO.
	Cellular3G
	// Cellular2G covers GPRS and EDGE.
	Cellular2G
)

func (c Class) String() string {
	switch c {
	case Broadband:
		return "broadband"
	case CellularFast:
		return "cellular-fast"
	case Cellular3G:
		return "cellular-3g"
	case Cellular2G:
		return "cellular-2g"
	default:
		return "unknown"
	}
}

// Info is a connectivity snapshot delivered by a network observer.
type Info struct {
	Connected bool
	Class     Class
}

// Connected returns the Info assumed when no observer is wired in.
func Connected() Info {
	return Info{Connected: true, Class: Unknown}
}

// Disconnected returns an Info with no connectivity.
func Disconnected() Info {
	return Info{}
}

// PoolSize returns the worker count suited to info.
func PoolSize(info Info) int {
	if !info.Connected {
		return DefaultPoolSize
	}
	switch info.Class {
	case Broadband:
		return 4
	case CellularFast:
		return 3
	case Cellular3G:
		return 2
	case Cellular2G:
		return 1
	default:
		return DefaultPoolSize
	}
}

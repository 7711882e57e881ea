package tile

import (
	"fmt"
	"strings"
)

// Kind is an imagery layer. The set is closed.
type Kind int

const (
	Satellite Kind = iota
	Weather
)

// Kinds lists every imagery kind in draw order
var Kinds = []Kind{Satellite, Weather}

func (k Kind) String() string {
	switch k {
	case Satellite:
		return "satellite"
	case Weather:
		return "weather"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses the lowercase kind name used in URLs and config
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "satellite":
		return Satellite, nil
	case "weather":
		return Weather, nil
	default:
		return 0, fmt.Errorf("unknown imagery kind %q", s)
	}
}

// Extension returns the on-disk file extension for a kind
func (k Kind) Extension() string {
	if k == Weather {
		return "png"
	}
	return "jpg"
}

// ContentType returns the MIME type of tiles of this kind
func (k Kind) ContentType() string {
	if k == Weather {
		return "image/png"
	}
	return "image/jpeg"
}

package version

import (
	"fmt"
)

// Maps 0-9 to '0'-'9' and 10 onwards to 'A', 'B', ...
func versionChar(v int) byte {
	switch {
	case v < 0:
		panic(fmt.Sprintf("negative version number %v in fingerprint", v))
	case v < 10:
		return byte('0' + v)
	case v < 36:
		return byte('A' + v - 10)
	default:
		panic(fmt.Sprintf("version number %v too large for fingerprint", v))
	}
}

// Builds an Azureus-style 8 character peer id prefix, for example ("PW", 0, 1, 0, 0) gives
// "-PW0100-".
func GenerateFingerprint(name string, major, minor, revision, tag int) string {
	if len(name) < 2 {
		name = "--"
	}
	return fmt.Sprintf("-%s%c%c%c%c-",
		name[:2],
		versionChar(major),
		versionChar(minor),
		versionChar(revision),
		versionChar(tag),
	)
}

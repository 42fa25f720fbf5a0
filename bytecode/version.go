package bytecode

import (
	"errors"
	"fmt"
	"log"

	"golang.org/x/mod/semver"
)

// SupportedVersion is the instruction set version the analyzer is built for.
const SupportedVersion = "3.9"

// ErrUnsupportedVersion indicates a unit compiled for an instruction set older than SupportedVersion.
var ErrUnsupportedVersion = errors.New("unsupported instruction set version")

// CheckVersion rejects units older than SupportedVersion and warns about newer ones,
// which are untested and may encode calls differently.
func CheckVersion(version string) error {
	if version == "" {
		return nil // assume the supported set
	}
	v := "v" + version
	if !semver.IsValid(v) {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	switch cmp := semver.Compare(semver.MajorMinor(v), "v"+SupportedVersion); {
	case cmp < 0:
		return fmt.Errorf("%w: %s is older than %s", ErrUnsupportedVersion, version, SupportedVersion)
	case cmp > 0:
		log.Printf("WARN: instruction set %s has not been tested, analysis may not be correct", version)
	}
	return nil
}

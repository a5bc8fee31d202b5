// Package version compares the client build with the server it syncs
// against.
package version

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// checkTimeout bounds one server version lookup.
const checkTimeout = 5 * time.Second

// Source reports the version of the server. The sync client satisfies it.
type Source interface {
	ServerVersion(ctx context.Context) (string, error)
}

// CheckResult holds the result of a version check.
type CheckResult struct {
	ClientVersion string
	ServerVersion string
	// Outdated is set when the server runs a newer release than the client.
	Outdated bool
	Error    error
}

// Check asks the server for its version and compares it with current.
// Development builds on either side are never reported as outdated.
func Check(ctx context.Context, src Source, current string) CheckResult {
	result := CheckResult{ClientVersion: current}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	v, err := src.ServerVersion(ctx)
	if err != nil {
		result.Error = err
		return result
	}
	result.ServerVersion = v

	if IsDevelopmentVersion(current) || IsDevelopmentVersion(v) {
		return result
	}
	result.Outdated = isNewer(v, current)
	return result
}

// IsDevelopmentVersion returns true for non-release versions.
func IsDevelopmentVersion(v string) bool {
	if v == "" || v == "unknown" || v == "dev" || v == "devel" {
		return true
	}
	return strings.HasPrefix(v, "devel+")
}

// parseSemver extracts major, minor and patch. Prerelease and build
// suffixes are ignored; missing or invalid parts are zero.
func parseSemver(v string) [3]int {
	var out [3]int
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return [3]int{}
		}
		out[i] = n
	}
	return out
}

// isNewer reports whether latest has a higher core version than current.
func isNewer(latest, current string) bool {
	l, c := parseSemver(latest), parseSemver(current)
	for i := range l {
		if l[i] != c[i] {
			return l[i] > c[i]
		}
	}
	return false
}

// validVersionRegex matches release versions (v1.2.3, v1.2.3-beta.1).
var validVersionRegex = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[a-zA-Z0-9]+([.-][a-zA-Z0-9]+)*)?$`)

// UpdateCommand returns the go install command for version, or "" when
// version is not a release version.
func UpdateCommand(version string) string {
	if !validVersionRegex.MatchString(version) {
		return ""
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return fmt.Sprintf(
		"go install -ldflags \"-X main.Version=%s\" github.com/marcus/fieldsync@%s",
		version, version,
	)
}

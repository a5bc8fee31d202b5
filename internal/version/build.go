package version

import (
	"runtime/debug"
)

// Resolve returns injected unless it is empty or "dev", in which case the
// module version from the binary's build info is used. A source build
// without a module version reports devel+<revision>, with +dirty appended
// for modified trees.
func Resolve(injected string) string {
	if !IsDevelopmentVersion(injected) {
		return injected
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return injected
	}
	return fromBuildInfo(info, injected)
}

func fromBuildInfo(info *debug.BuildInfo, fallback string) string {
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return fallback
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "devel+" + rev
	if settings["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}

package version

import "runtime/debug"

// Overridden at build time via -ldflags "-X ipsentry/internal/app/version.buildVersion=...".
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	BuiltAt   string `json:"builtAt"`
	GoVersion string `json:"goVersion,omitempty"`
}

func Get() Info {
	info := Info{Version: buildVersion, BuiltAt: builtAt}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.GoVersion = bi.GoVersion
		if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	return info
}

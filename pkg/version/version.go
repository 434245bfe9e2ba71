package version

// Build and Commit are injected via -ldflags at release time.
var (
	Build  = "dev"
	Commit = ""
)

// String is Build, followed by the short commit when known.
func String() string {
	if len(Commit) >= 7 {
		return Build + " (" + Commit[:7] + ")"
	}
	return Build
}

// UserAgent identifies gamehost components in HTTP calls between them.
func UserAgent(component string) string {
	return "gamehost-" + component + "/" + Build
}

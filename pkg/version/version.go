package version

// Set by -ldflags at build time.
var (
	Version   = "UNKNOWN"
	GitCommit = "UNKNOWN"
)

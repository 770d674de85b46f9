package engine

// Build identity, stamped via -ldflags at release time.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

package utils

// Build metadata, stamped in via -ldflags at release time.
var (
	Tag        string
	GitHash    string
	BuildStamp string
)

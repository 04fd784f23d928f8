package buildinfo

// These variables are set by govvv at build time.
var (
	GitCommit  = "n/a"
	GitBranch  = "n/a"
	GitState   = "n/a"
	GitSummary = "n/a"
	BuildDate  = "n/a"
	Version    = "n/a"
)

// Summary is a snapshot of the git information baked into the binary.
type Summary struct {
	GitCommit  string
	GitBranch  string
	GitState   string
	GitSummary string
	BuildDate  string
	Version    string
}

// GetSummary returns the build information of the binary.
func GetSummary() Summary {
	return Summary{
		GitCommit:  GitCommit,
		GitBranch:  GitBranch,
		GitState:   GitState,
		GitSummary: GitSummary,
		BuildDate:  BuildDate,
		Version:    Version,
	}
}

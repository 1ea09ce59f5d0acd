package version

import "runtime/debug"

const (
	// AppName identifies this binary in logs, metrics and traces.
	AppName = "openbmclapi-cluster"

	// ProtocolVersion is the cluster protocol version announced to the
	// coordinator. It is independent of the build version.
	ProtocolVersion = "1.7.3"
)

// set via -ldflags at build time
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName         string `json:"app"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
	Commit          string `json:"commit"`
	CommitDate      string `json:"commit_date"`
	BuildDate       string `json:"build_date"`
	BuildId         string `json:"build_id"`
	GoVersion       string `json:"go_version"`
	VCSDirty        *bool  `json:"vcs_dirty,omitempty"`
}

// UserAgent is sent on every request to the coordinator.
func UserAgent() string { return "openbmclapi-cluster/" + ProtocolVersion }

// Get merges ldflags values with VCS data from the embedded build info.
func Get() Info {
	out := Info{
		AppName:         AppName,
		Version:         Version,
		ProtocolVersion: ProtocolVersion,
		Commit:          Commit,
		CommitDate:      CommitDate,
		BuildDate:       BuildDate,
		BuildId:         BuildId,
		GoVersion:       GoVersion,
		VCSDirty:        VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
			out.CommitDate = s.Value
		case "vcs.modified":
			dirty := s.Value == "true"
			out.VCSDirty = &dirty
		}
	}
	return out
}

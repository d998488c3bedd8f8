package artifact

import (
	"strings"

	ferrors "github.com/vinayprograms/fleetconf/errors"
)

// Extension is the packaging suffix used for every resolved artifact.
const Extension = "jar"

// Channel is a repository partition, e.g. release vs. pre-release builds.
type Channel string

const (
	Releases  Channel = "releases"
	Snapshots Channel = "snapshots"
)

// snapshotSuffix marks pre-release versions.
const snapshotSuffix = "-SNAPSHOT"

// ChannelFor returns Snapshots for "-SNAPSHOT" versions and Releases otherwise.
func ChannelFor(version string) Channel {
	if strings.HasSuffix(version, snapshotSuffix) {
		return Snapshots
	}
	return Releases
}

// Coordinates identify an artifact in a repository.
type Coordinates struct {
	GroupID    string `json:"groupId" toml:"group_id"`
	ArtifactID string `json:"artifactId" toml:"artifact_id"`
	Version    string `json:"version" toml:"version"`
}

// Validate checks that every coordinate is set.
func (c Coordinates) Validate() error {
	switch {
	case c.GroupID == "":
		return ferrors.InvalidInput("artifact coordinates: group id is required")
	case c.ArtifactID == "":
		return ferrors.InvalidInput("artifact coordinates: artifact id is required")
	case c.Version == "":
		return ferrors.InvalidInput("artifact coordinates: version is required")
	}
	return nil
}

// String renders the coordinates as group:artifact:version.
func (c Coordinates) String() string {
	return c.GroupID + ":" + c.ArtifactID + ":" + c.Version
}

// FileName returns {artifactId}-{version}.jar.
func (c Coordinates) FileName() string {
	return c.ArtifactID + "-" + c.Version + "." + Extension
}

// Resolve builds the canonical download URL:
//
//	{base}/{channel}/{group as path}/{artifactId}/{version}/{artifactId}-{version}.jar
//
// It performs no I/O; the artifact may not exist.
func Resolve(baseURL string, channel Channel, c Coordinates) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(baseURL, "/"))
	b.WriteByte('/')
	b.WriteString(string(channel))
	b.WriteByte('/')
	b.WriteString(strings.ReplaceAll(c.GroupID, ".", "/"))
	b.WriteByte('/')
	b.WriteString(c.ArtifactID)
	b.WriteByte('/')
	b.WriteString(c.Version)
	b.WriteByte('/')
	b.WriteString(c.FileName())
	return b.String()
}

// Resolver binds a repository base and channel for repeated resolution.
type Resolver struct {
	BaseURL string
	Channel Channel
}

// NewResolver creates a resolver for the given repository and channel.
func NewResolver(baseURL string, channel Channel) Resolver {
	return Resolver{BaseURL: baseURL, Channel: channel}
}

// Build resolves coordinates against the resolver's repository.
func (r Resolver) Build(c Coordinates) string {
	return Resolve(r.BaseURL, r.Channel, c)
}

// Item resolves coordinates into a DownloadItem with no checksum or filename override.
func (r Resolver) Item(c Coordinates) DownloadItem {
	return NewDownloadItem(r.Build(c), "", "", c)
}

// DownloadItem is a resolved artifact location plus optional checksum and filename override.
type DownloadItem struct {
	URL              string      `json:"url"`
	Checksum         string      `json:"checksum,omitempty"`
	FilenameOverride string      `json:"filename,omitempty"`
	Metadata         Coordinates `json:"metadata"`
}

// NewDownloadItem creates a download item. Empty checksum and filename mean "not set".
func NewDownloadItem(url, checksum, filename string, c Coordinates) DownloadItem {
	return DownloadItem{
		URL:              url,
		Checksum:         checksum,
		FilenameOverride: filename,
		Metadata:         c,
	}
}

// Filename returns the local file name: the override if set, else {artifactId}-{version}.jar.
func (d DownloadItem) Filename() string {
	if d.FilenameOverride != "" {
		return d.FilenameOverride
	}
	return d.Metadata.FileName()
}

// Package artifact maps repository coordinates to canonical download locations.
//
// Resolution is pure string construction:
//
//	url := artifact.Resolve("http://repo.test", artifact.Releases, artifact.Coordinates{
//	    GroupID:    "net.example",
//	    ArtifactID: "widget",
//	    Version:    "1.0",
//	})
//	// http://repo.test/releases/net/example/widget/1.0/widget-1.0.jar
//
// Reachability of the resulting URL is the downloader's concern, not this package's.
package artifact

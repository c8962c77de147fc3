// Package repository holds the coordinates a resolver locks on: artifacts,
// repository metadata and the local repository they are cached in.
package repository

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Common coordinate errors
var (
	ErrBadCoordinates = errors.New("bad artifact coordinates")
)

const snapshot = "SNAPSHOT"

var snapshotTimestamp = regexp.MustCompile(`^(.*-)?([0-9]{8}\.[0-9]{6}-[0-9]+)$`)

// Artifact identifies one artifact in a repository.
type Artifact struct {
	GroupID    string `json:"group_id"`
	ArtifactID string `json:"artifact_id"`
	Version    string `json:"version"`
	Classifier string `json:"classifier,omitempty"`
	Extension  string `json:"extension,omitempty"`
}

// ParseArtifact parses <groupId>:<artifactId>[:<extension>[:<classifier>]]:<version>.
// Extension defaults to "jar".
func ParseArtifact(coords string) (Artifact, error) {
	parts := strings.Split(coords, ":")
	if len(parts) < 3 || len(parts) > 5 {
		return Artifact{}, fmt.Errorf("%w: %q, expected format is <groupId>:<artifactId>[:<extension>[:<classifier>]]:<version>", ErrBadCoordinates, coords)
	}
	for _, p := range parts {
		if p == "" {
			return Artifact{}, fmt.Errorf("%w: %q has an empty segment", ErrBadCoordinates, coords)
		}
	}

	a := Artifact{
		GroupID:    parts[0],
		ArtifactID: parts[1],
		Extension:  "jar",
		Version:    parts[len(parts)-1],
	}
	if len(parts) >= 4 {
		a.Extension = parts[2]
	}
	if len(parts) == 5 {
		a.Classifier = parts[3]
	}
	return a, nil
}

// BaseVersion returns the version with a timestamped snapshot suffix
// normalized to "SNAPSHOT", e.g. 1.0-20240101.120000-3 becomes 1.0-SNAPSHOT.
func (a Artifact) BaseVersion() string {
	return baseVersion(a.Version)
}

func (a Artifact) String() string {
	var b strings.Builder
	b.WriteString(a.GroupID)
	b.WriteByte(':')
	b.WriteString(a.ArtifactID)
	b.WriteByte(':')
	b.WriteString(a.Extension)
	if a.Classifier != "" {
		b.WriteByte(':')
		b.WriteString(a.Classifier)
	}
	b.WriteByte(':')
	b.WriteString(a.Version)
	return b.String()
}

func baseVersion(version string) string {
	m := snapshotTimestamp.FindStringSubmatch(version)
	if m == nil {
		return version
	}
	return m[1] + snapshot
}

// Nature tells which kind of versions a metadata document describes.
type Nature int

const (
	Release Nature = iota
	Snapshot
	ReleaseOrSnapshot
)

// Metadata identifies a repository metadata document. Any of the coordinate
// fields may be empty: group-level metadata has no artifact id, and
// repository-root metadata has no group id either.
type Metadata struct {
	GroupID    string `json:"group_id"`
	ArtifactID string `json:"artifact_id"`
	Version    string `json:"version"`
	Type       string `json:"type"`
	Nature     Nature `json:"nature"`
}

func (m Metadata) String() string {
	return strings.Join([]string{m.GroupID, m.ArtifactID, m.Version, m.Type}, ":")
}

// MetadataType is the file name of repository metadata documents.
const MetadataType = "maven-metadata.xml"

// ParseMetadata parses [<groupId>[:<artifactId>[:<version>]]]. Empty input
// is the repository-root metadata.
func ParseMetadata(coords string) (Metadata, error) {
	m := Metadata{Type: MetadataType, Nature: ReleaseOrSnapshot}
	if coords == "" {
		return m, nil
	}
	parts := strings.Split(coords, ":")
	if len(parts) > 3 {
		return Metadata{}, fmt.Errorf("%w: %q, expected format is [<groupId>[:<artifactId>[:<version>]]]", ErrBadCoordinates, coords)
	}
	for _, p := range parts {
		if p == "" {
			return Metadata{}, fmt.Errorf("%w: %q has an empty segment", ErrBadCoordinates, coords)
		}
	}

	m.GroupID = parts[0]
	if len(parts) > 1 {
		m.ArtifactID = parts[1]
	}
	if len(parts) > 2 {
		m.Version = parts[2]
		if strings.HasSuffix(baseVersion(m.Version), snapshot) {
			m.Nature = Snapshot
		}
	}
	return m, nil
}

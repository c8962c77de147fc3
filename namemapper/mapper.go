// Package namemapper turns artifact and metadata coordinates into the sorted
// set of lock names a sync context acquires.
package namemapper

import (
	"sort"
	"strings"

	"github.com/ebogdum/artilock/repository"
)

// Registered name mapper names.
const (
	Static         = "static"
	GAV            = "gav"
	LGAV           = "lgav"
	FileGAV        = "file-gav"
	FileHashingGAV = "file-hgav"
)

// NameMapper maps coordinates to lock names. The result is sorted, free of
// duplicates, never nil, and no longer than len(artifacts)+len(metadata).
// Empty input maps to an empty result.
type NameMapper interface {
	NameLocks(session *repository.Session, artifacts []repository.Artifact, metadata []repository.Metadata) []string
}

// NameMapperFunc adapts a function to NameMapper.
type NameMapperFunc func(session *repository.Session, artifacts []repository.Artifact, metadata []repository.Metadata) []string

// NameLocks calls f.
func (f NameMapperFunc) NameLocks(session *repository.Session, artifacts []repository.Artifact, metadata []repository.Metadata) []string {
	return f(session, artifacts, metadata)
}

// NewStatic returns the coarsest mapper: anything at all maps to one name.
func NewStatic() NameMapper {
	return NameMapperFunc(func(_ *repository.Session, artifacts []repository.Artifact, metadata []repository.Metadata) []string {
		if len(artifacts) == 0 && len(metadata) == 0 {
			return []string{}
		}
		return []string{"static"}
	})
}

// NewGAV returns the group:artifact:baseVersion mapper.
func NewGAV() NameMapper {
	return NameMapperFunc(func(_ *repository.Session, artifacts []repository.Artifact, metadata []repository.Metadata) []string {
		return gavNames("", artifacts, metadata)
	})
}

// ArtifactName returns the GAV lock name of an artifact.
func ArtifactName(a repository.Artifact) string {
	return "artifact:" + a.GroupID + ":" + a.ArtifactID + ":" + a.BaseVersion()
}

// MetadataName returns the GAV lock name of a metadata document. Only the
// leading non-empty coordinates are appended, so group-level metadata locks
// a wider name than artifact-level metadata.
func MetadataName(m repository.Metadata) string {
	var b strings.Builder
	b.WriteString("metadata:")
	if m.GroupID != "" {
		b.WriteString(m.GroupID)
		if m.ArtifactID != "" {
			b.WriteByte(':')
			b.WriteString(m.ArtifactID)
			if m.Version != "" {
				b.WriteByte(':')
				b.WriteString(m.Version)
			}
		}
	}
	return b.String()
}

func gavNames(prefix string, artifacts []repository.Artifact, metadata []repository.Metadata) []string {
	names := make(map[string]struct{}, len(artifacts)+len(metadata))
	for _, a := range artifacts {
		names[prefix+ArtifactName(a)] = struct{}{}
	}
	for _, m := range metadata {
		names[prefix+MetadataName(m)] = struct{}{}
	}
	return sortedSet(names)
}

func sortedSet(names map[string]struct{}) []string {
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

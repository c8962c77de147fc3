package namemapper

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/ebogdum/artilock/internal/pathutil"
	"github.com/ebogdum/artilock/repository"
)

// LocksDir is the directory below the local repository holding lock files.
const LocksDir = ".locks"

// File maps coordinates to lock file paths under <basedir>/.locks, for use
// with the file-lock backend.
type File struct {
	hashing bool
}

// NewFileGAV returns a mapper producing readable file names such as
// artifact~org.example~lib~1.0.lock.
func NewFileGAV() *File {
	return &File{}
}

// NewFileHashingGAV returns a mapper producing SHA-1 hex file names.
func NewFileHashingGAV() *File {
	return &File{hashing: true}
}

// NameLocks implements NameMapper.
func (f *File) NameLocks(session *repository.Session, artifacts []repository.Artifact, metadata []repository.Metadata) []string {
	var basedir string
	if session != nil {
		basedir = session.LocalRepository.Basedir
	}

	names := make(map[string]struct{}, len(artifacts)+len(metadata))
	for _, a := range artifacts {
		names[f.path(basedir, ArtifactName(a))] = struct{}{}
	}
	for _, m := range metadata {
		names[f.path(basedir, MetadataName(m))] = struct{}{}
	}
	return sortedSet(names)
}

func (f *File) path(basedir, gavName string) string {
	file := f.fileName(gavName)
	joined, err := pathutil.SafeJoin(filepath.Join(basedir, LocksDir), file)
	if err != nil {
		// fileName never yields separators or dot-dot, keep a hashed name regardless
		return filepath.Join(basedir, LocksDir, hashed(gavName))
	}
	return joined
}

func (f *File) fileName(gavName string) string {
	if f.hashing {
		return hashed(gavName)
	}
	segments := strings.Split(strings.TrimSuffix(gavName, ":"), ":")
	for _, s := range segments {
		if pathutil.ValidateSegment(s) != nil {
			return hashed(gavName)
		}
	}
	return strings.Join(segments, "~") + ".lock"
}

func hashed(name string) string {
	sum := sha1.Sum([]byte(name))
	return hex.EncodeToString(sum[:]) + ".lock"
}

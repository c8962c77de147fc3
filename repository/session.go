package repository

import "path/filepath"

// LocalRepository is the on-disk cache shared by every resolver run on a host.
type LocalRepository struct {
	Basedir     string
	ContentType string
}

// NewLocalRepository returns a local repository rooted at basedir.
func NewLocalRepository(basedir string) LocalRepository {
	return LocalRepository{Basedir: filepath.Clean(basedir), ContentType: "default"}
}

// Session carries the per-run state the sync layer reads: which local
// repository is in use and the run's configuration properties.
type Session struct {
	LocalRepository LocalRepository
	Properties      map[string]string
}

// NewSession creates a session over the given local repository.
func NewSession(local LocalRepository) *Session {
	return &Session{LocalRepository: local, Properties: make(map[string]string)}
}

// Property returns the named property, or def when unset or empty.
func (s *Session) Property(key, def string) string {
	if s == nil || s.Properties == nil {
		return def
	}
	if v, ok := s.Properties[key]; ok && v != "" {
		return v
	}
	return def
}

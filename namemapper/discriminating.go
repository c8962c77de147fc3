package namemapper

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ebogdum/artilock/repository"
)

const (
	// DiscriminatorProperty overrides the discriminator for one session.
	DiscriminatorProperty = "artilock.syncContext.named.discriminator"

	// DefaultDiscriminator is used when the discriminator cannot be computed.
	DefaultDiscriminator = "da39a3ee5e6b4b0d3255bfef95601890afd80709"

	defaultHostname = "localhost"
)

// Discriminating prefixes every name of its delegate with a discriminator
// unique to one local repository on one host, so that two local
// repositories never lock each other's names.
type Discriminating struct {
	delegate      NameMapper
	hostname      string
	discriminator string
	logger        *zap.Logger

	cache sync.Map // basedir -> discriminator
}

// NewDiscriminating wraps delegate. A non-empty discriminator replaces the
// computed one for every session that does not set its own.
func NewDiscriminating(delegate NameMapper, discriminator string, logger *zap.Logger) *Discriminating {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("namemapper")
	return &Discriminating{
		delegate:      delegate,
		hostname:      hostname(logger),
		discriminator: discriminator,
		logger:        logger,
	}
}

// NewLGAV returns the discriminating GAV mapper.
func NewLGAV(discriminator string, logger *zap.Logger) *Discriminating {
	return NewDiscriminating(NewGAV(), discriminator, logger)
}

func hostname(logger *zap.Logger) string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		logger.Warn("Failed to get hostname, using default",
			zap.String("hostname", defaultHostname), zap.Error(err))
		return defaultHostname
	}
	return name
}

// NameLocks implements NameMapper.
func (d *Discriminating) NameLocks(session *repository.Session, artifacts []repository.Artifact, metadata []repository.Metadata) []string {
	names := d.delegate.NameLocks(session, artifacts, metadata)
	if len(names) == 0 {
		return names
	}
	prefix := d.Discriminator(session) + ":"
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = prefix + name
	}
	return out
}

// Discriminator returns the discriminator for session: the session
// property, then the configured value, then a SHA-1 of hostname and local
// repository path.
func (d *Discriminating) Discriminator(session *repository.Session) string {
	if v := session.Property(DiscriminatorProperty, ""); v != "" {
		return v
	}
	if d.discriminator != "" {
		return d.discriminator
	}

	var basedir string
	if session != nil {
		basedir = session.LocalRepository.Basedir
	}
	if v, ok := d.cache.Load(basedir); ok {
		return v.(string)
	}
	v, _ := d.cache.LoadOrStore(basedir, d.compute(basedir))
	return v.(string)
}

func (d *Discriminating) compute(basedir string) string {
	abs, err := filepath.Abs(basedir)
	if err != nil || basedir == "" {
		d.logger.Warn("Failed to calculate discriminator digest, using default",
			zap.String("discriminator", DefaultDiscriminator), zap.String("basedir", basedir), zap.Error(err))
		return DefaultDiscriminator
	}
	sum := sha1.Sum([]byte(d.hostname + ":" + abs))
	discriminator := hex.EncodeToString(sum[:])
	d.logger.Debug("Computed key discriminator",
		zap.String("basedir", abs), zap.String("discriminator", discriminator))
	return discriminator
}

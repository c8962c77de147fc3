package namemapper

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ebogdum/artilock/repository"
)

func artifact(t *testing.T, coords string) repository.Artifact {
	t.Helper()
	a, err := repository.ParseArtifact(coords)
	if err != nil {
		t.Fatalf("ParseArtifact(%q): %v", coords, err)
	}
	return a
}

func TestGAV(t *testing.T) {
	mapper := NewGAV()
	session := repository.NewSession(repository.NewLocalRepository(t.TempDir()))

	tests := []struct {
		name      string
		artifacts []string
		metadata  []repository.Metadata
		expected  []string
	}{
		{
			name:     "empty",
			expected: []string{},
		},
		{
			name:      "single artifact",
			artifacts: []string{"group:artifact:1.0"},
			expected:  []string{"artifact:group:artifact:1.0"},
		},
		{
			name:      "classifier and extension collapse",
			artifacts: []string{"group:artifact:1.0", "group:artifact:pom:1.0", "group:artifact:jar:sources:1.0"},
			expected:  []string{"artifact:group:artifact:1.0"},
		},
		{
			name:      "timestamped snapshot uses base version",
			artifacts: []string{"group:artifact:1.0-20240101.120000-3", "group:artifact:1.0-SNAPSHOT"},
			expected:  []string{"artifact:group:artifact:1.0-SNAPSHOT"},
		},
		{
			name:      "sorted",
			artifacts: []string{"z:z:1", "a:a:1"},
			expected:  []string{"artifact:a:a:1", "artifact:z:z:1"},
		},
		{
			name: "metadata levels",
			metadata: []repository.Metadata{
				{},
				{GroupID: "group"},
				{GroupID: "group", ArtifactID: "artifact"},
				{GroupID: "group", ArtifactID: "artifact", Version: "1.0"},
			},
			expected: []string{
				"metadata:",
				"metadata:group",
				"metadata:group:artifact",
				"metadata:group:artifact:1.0",
			},
		},
		{
			name:      "mixed",
			artifacts: []string{"group:artifact:1.0"},
			metadata:  []repository.Metadata{{GroupID: "group", ArtifactID: "artifact"}},
			expected:  []string{"artifact:group:artifact:1.0", "metadata:group:artifact"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var artifacts []repository.Artifact
			for _, c := range tt.artifacts {
				artifacts = append(artifacts, artifact(t, c))
			}
			names := mapper.NameLocks(session, artifacts, tt.metadata)
			if !reflect.DeepEqual(names, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, names)
			}
			if len(names) > len(artifacts)+len(tt.metadata) {
				t.Errorf("got %d names for %d inputs", len(names), len(artifacts)+len(tt.metadata))
			}
		})
	}
}

func TestStatic(t *testing.T) {
	mapper := NewStatic()

	if names := mapper.NameLocks(nil, nil, nil); names == nil || len(names) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", names)
	}

	names := mapper.NameLocks(nil, []repository.Artifact{artifact(t, "a:b:1"), artifact(t, "c:d:2")}, nil)
	if !reflect.DeepEqual(names, []string{"static"}) {
		t.Errorf("expected [static], got %v", names)
	}
}

func TestLGAV_Discriminator(t *testing.T) {
	dir := t.TempDir()
	session := repository.NewSession(repository.NewLocalRepository(dir))
	a := []repository.Artifact{artifact(t, "group:artifact:1.0")}

	mapper := NewLGAV("", nil)
	sum := sha1.Sum([]byte(mapper.hostname + ":" + dir))
	computed := hex.EncodeToString(sum[:])

	if got := mapper.Discriminator(session); got != computed {
		t.Errorf("expected computed discriminator %q, got %q", computed, got)
	}
	names := mapper.NameLocks(session, a, nil)
	if expected := []string{computed + ":artifact:group:artifact:1.0"}; !reflect.DeepEqual(names, expected) {
		t.Errorf("expected %v, got %v", expected, names)
	}

	other := repository.NewSession(repository.NewLocalRepository(t.TempDir()))
	if mapper.Discriminator(other) == computed {
		t.Error("different local repositories must not share a discriminator")
	}

	configured := NewLGAV("configured", nil)
	if got := configured.Discriminator(session); got != "configured" {
		t.Errorf("expected configured discriminator, got %q", got)
	}

	overridden := repository.NewSession(repository.NewLocalRepository(dir))
	overridden.Properties[DiscriminatorProperty] = "from-session"
	if got := configured.Discriminator(overridden); got != "from-session" {
		t.Errorf("expected session discriminator, got %q", got)
	}
	names = configured.NameLocks(overridden, a, nil)
	if !strings.HasPrefix(names[0], "from-session:") {
		t.Errorf("expected session prefix, got %q", names[0])
	}

	if got := mapper.NameLocks(session, nil, nil); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestLGAV_FallbackDiscriminator(t *testing.T) {
	mapper := NewLGAV("", nil)
	if got := mapper.Discriminator(nil); got != DefaultDiscriminator {
		t.Errorf("expected fallback %q, got %q", DefaultDiscriminator, got)
	}
}

func TestFileGAV(t *testing.T) {
	dir := t.TempDir()
	session := repository.NewSession(repository.NewLocalRepository(dir))
	locks := filepath.Join(dir, LocksDir)

	names := NewFileGAV().NameLocks(session,
		[]repository.Artifact{artifact(t, "org.example:lib:1.0")},
		[]repository.Metadata{{GroupID: "org.example"}})
	expected := []string{
		filepath.Join(locks, "artifact~org.example~lib~1.0.lock"),
		filepath.Join(locks, "metadata~org.example.lock"),
	}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf("expected %v, got %v", expected, names)
	}

	hashedNames := NewFileHashingGAV().NameLocks(session,
		[]repository.Artifact{artifact(t, "org.example:lib:1.0")}, nil)
	sum := sha1.Sum([]byte("artifact:org.example:lib:1.0"))
	if want := filepath.Join(locks, hex.EncodeToString(sum[:])+".lock"); len(hashedNames) != 1 || hashedNames[0] != want {
		t.Errorf("expected [%s], got %v", want, hashedNames)
	}
}

func TestFileGAV_UnsafeSegmentsAreHashed(t *testing.T) {
	dir := t.TempDir()
	session := repository.NewSession(repository.NewLocalRepository(dir))

	a := repository.Artifact{GroupID: "..", ArtifactID: "lib", Version: "1.0", Extension: "jar"}
	names := NewFileGAV().NameLocks(session, []repository.Artifact{a}, nil)
	if len(names) != 1 {
		t.Fatalf("expected one name, got %v", names)
	}
	if filepath.Dir(names[0]) != filepath.Join(dir, LocksDir) {
		t.Errorf("lock file escaped locks dir: %s", names[0])
	}
	if strings.Contains(filepath.Base(names[0]), "~") {
		t.Errorf("expected hashed file name, got %s", names[0])
	}
}

package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ebogdum/artilock/locks"
	"github.com/ebogdum/artilock/repository"
	"github.com/ebogdum/artilock/synccontext"
)

// LocksResponse describes the named lock table of the running process.
type LocksResponse struct {
	Backend string           `json:"backend"`
	Timeout string           `json:"timeout"`
	Locks   []locks.LockInfo `json:"locks"`
}

// V1ListLocks lists the interned named locks with their references and
// holders.
func V1ListLocks(adapter *synccontext.Adapter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos := adapter.Snapshot()
		if infos == nil {
			infos = []locks.LockInfo{}
		}
		logger.Debug("Listing named locks", zap.Int("count", len(infos)))
		SendJSONResponse(w, LocksResponse{
			Backend: adapter.Backend(),
			Timeout: adapter.Timeout().String(),
			Locks:   infos,
		})
	}
}

// KeysResponse lists the lock names a set of coordinates maps to.
type KeysResponse struct {
	LocalRepository string   `json:"local_repository"`
	Keys            []string `json:"keys"`
}

// V1MapKeys maps the artifact and metadata query parameters to lock names
// without locking anything. local_repository selects the repository the
// names are computed for and defaults to localRepo.
func V1MapKeys(adapter *synccontext.Adapter, localRepo string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		var artifacts []repository.Artifact
		for _, coords := range query["artifact"] {
			a, err := repository.ParseArtifact(coords)
			if err != nil {
				SendErrorResponse(w, logger, err, http.StatusBadRequest)
				return
			}
			artifacts = append(artifacts, a)
		}

		var metadata []repository.Metadata
		for _, coords := range query["metadata"] {
			m, err := repository.ParseMetadata(coords)
			if err != nil {
				SendErrorResponse(w, logger, err, http.StatusBadRequest)
				return
			}
			metadata = append(metadata, m)
		}

		basedir := localRepo
		if v := query.Get("local_repository"); v != "" {
			basedir = v
		}
		session := repository.NewSession(repository.NewLocalRepository(basedir))
		SendJSONResponse(w, KeysResponse{
			LocalRepository: session.LocalRepository.Basedir,
			Keys:            adapter.NameLocks(session, artifacts, metadata),
		})
	}
}

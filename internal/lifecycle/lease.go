package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
)

// Lease owns a session for the duration of an orchestration. Release removes
// the blueprint and closes the session; it runs at most once no matter how
// many callers invoke it.
type Lease struct {
	sessionID domain.SessionID
	blueprint *domain.Blueprint
	registry  ports.PipeRegistry

	once      sync.Once
	err       error
	released  chan struct{}
	onRelease func(err error)
}

func newLease(registry ports.PipeRegistry, id domain.SessionID, bp *domain.Blueprint, onRelease func(error)) *Lease {
	return &Lease{
		sessionID: id,
		blueprint: bp,
		registry:  registry,
		released:  make(chan struct{}),
		onRelease: onRelease,
	}
}

// SessionID returns the leased session.
func (l *Lease) SessionID() domain.SessionID { return l.sessionID }

// Release cleans up the session. Later calls return the first result. The
// returned error, if any, is a CleanupError.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		var errs []error
		if err := l.registry.Remove(l.sessionID, l.blueprint); err != nil {
			errs = append(errs, err)
		}
		if err := l.registry.CloseSession(l.sessionID); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			l.err = domain.NewError(domain.KindCleanup, "cleanup", errors.Join(errs...)).WithSession(l.sessionID)
		}
		if l.onRelease != nil {
			l.onRelease(l.err)
		}
		close(l.released)
	})
	return l.err
}

// Released is closed once Release has run.
func (l *Lease) Released() <-chan struct{} { return l.released }

package manager

import (
	"context"
	"io"
	"os"
	"time"

	perrors "github.com/zhubert/nightshift/internal/errors"
	"github.com/zhubert/nightshift/internal/session"
)

// followInterval is how often Logs polls a growing log.
var followInterval = 250 * time.Millisecond

// Logs copies the log of id to w. With follow it keeps copying new output
// until the session stops running or ctx is done.
func (m *Manager) Logs(ctx context.Context, id string, follow bool, w io.Writer) error {
	if !session.ValidID(id) {
		return perrors.SessionNotFound(id)
	}
	path := m.registry.Layout().Session(id).LogPath
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return perrors.SessionNotFound(id)
		}
		return perrors.E(perrors.Op("manager.Logs"), perrors.KindIO, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return perrors.E(perrors.Op("manager.Logs"), perrors.KindIO, err)
	}
	if !follow {
		return nil
	}

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		_, alive := m.supervisor.Alive(ctx, id)
		if _, err := io.Copy(w, f); err != nil {
			return perrors.E(perrors.Op("manager.Logs"), perrors.KindIO, err)
		}
		// alive was sampled before the copy, so the final output is in.
		if !alive {
			return nil
		}
	}
}

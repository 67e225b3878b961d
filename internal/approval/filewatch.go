package approval

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const grantExt = ".approve"

// grantFileExists reports whether a standing approval file exists for
// the incident.
func (g *Gate) grantFileExists(incidentID string) bool {
	if g.approvalsDir == "" || incidentID == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(g.approvalsDir, incidentID+grantExt))
	return err == nil
}

// fileWatcher grants an incident's pending requests when an
// <incident>.approve file appears in the approvals directory.
type fileWatcher struct {
	gate *Gate
	fsw  *fsnotify.Watcher
}

func newFileWatcher(g *Gate, dir string) (*fileWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &fileWatcher{gate: g, fsw: fsw}, nil
}

func (w *fileWatcher) run() {
	defer w.gate.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, grantExt) {
				continue
			}
			incidentID := strings.TrimSuffix(name, grantExt)
			w.gate.logger.Info("approval file detected", "incident_id", incidentID, "file", name)
			w.gate.GrantIncident(incidentID)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.gate.logger.Error("approval watcher error", "error", err)
		case <-w.gate.done:
			return
		}
	}
}

func (w *fileWatcher) close() error {
	return w.fsw.Close()
}

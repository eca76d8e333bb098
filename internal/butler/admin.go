package butler

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts the registry debug surface on mux: the tsweb
// debug index, a live SQL console over the registry, and an on-demand
// registry backup download.
func (r *Repository) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		r.logger.Errorf("Failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+RegistryFilename, r.db, &tailsql.DBOptions{
		Label: "Butler registry",
	})
	debug.Handle("tailsql/", "SQL console over the butler registry", tsql.NewMux())

	debug.Handle("backup", "Create and download a registry backup", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		backupPath := filepath.Join(r.root, fmt.Sprintf("registry-backup-%d.sqlite3", time.Now().Unix()))
		if _, err := r.db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				r.logger.Warnf("Failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			r.logger.Errorf("Failed to stream backup: %v", err)
		}
	}))
}

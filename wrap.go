package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"

	log "github.com/fclairamb/go-log"
	"github.com/gorilla/handlers"
	"github.com/spf13/afero"
	"golang.org/x/net/webdav"

	"github.com/OffBroadway/sdshim/pkg/fsck"
)

// FS adapts the partition filesystem to webdav.FileSystem.
type FS struct {
	afero.Fs
	logger log.Logger
}

var _ webdav.FileSystem = (*FS)(nil)

func newFS(fs afero.Fs, logger log.Logger) *FS {
	return &FS{
		Fs:     fs,
		logger: logger,
	}
}

func (f *FS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	f.logger.Debug("webdav Mkdir", "name", name)
	return f.Fs.Mkdir(name, perm)
}

func (f *FS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	f.logger.Debug("webdav OpenFile", "name", name, "flag", flag)
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *FS) RemoveAll(ctx context.Context, name string) error {
	f.logger.Debug("webdav RemoveAll", "name", name)
	return f.Fs.RemoveAll(name)
}

func (f *FS) Rename(ctx context.Context, oldName, newName string) error {
	f.logger.Debug("webdav Rename", "old", oldName, "new", newName)
	return f.Fs.Rename(oldName, newName)
}

func (f *FS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	f.logger.Debug("webdav Stat", "name", name)
	return f.Fs.Stat(name)
}

func newHandler(fs webdav.FileSystem, prefix string, logger log.Logger) http.Handler {
	return &webdav.Handler{
		Prefix:     prefix,
		FileSystem: fs,
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logger.Warn("webdav request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			}
		},
	}
}

// statusHandler reports the checker state as JSON. A nil runner means no
// check was requested.
func statusHandler(runner *fsck.Runner) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st := fsck.Status{Operation: fsck.OpIdle}
		if runner != nil {
			st = runner.Status()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
}

func newMux(fs afero.Fs, runner *fsck.Runner, logger log.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/mount/", newHandler(newFS(fs, logger), "/mount", logger))
	mux.Handle("/status", statusHandler(runner))
	return handlers.LoggingHandler(os.Stdout, mux)
}

// Serve exports the partitions over WebDAV under /mount and the checker state
// under /status.
func Serve(ctx context.Context, listener net.Listener, fs afero.Fs, runner *fsck.Runner, logger log.Logger) error {
	server := &http.Server{
		Handler: newMux(fs, runner, logger),
	}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

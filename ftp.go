package main

import (
	"crypto/tls"
	"errors"

	ftpserver "github.com/fclairamb/ftpserverlib"
	log "github.com/fclairamb/go-log"
	"github.com/spf13/afero"
)

var errBadCredentials = errors.New("bad username or password")

// FTPServer is the ftpserverlib main driver. Every client gets the same
// partition filesystem, so two clients cannot transfer at the same time.
type FTPServer struct {
	Settings   *ftpserver.Settings
	FileSystem afero.Fs
	User       string
	Password   string
	Logger     log.Logger
}

var _ ftpserver.MainDriver = (*FTPServer)(nil)

func (s *FTPServer) GetSettings() (*ftpserver.Settings, error) {
	return s.Settings, nil
}

func (s *FTPServer) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	s.Logger.Info("client connected", "id", cc.ID(), "remote", cc.RemoteAddr().String())
	return "sdshim partition export", nil
}

func (s *FTPServer) ClientDisconnected(cc ftpserver.ClientContext) {
	s.Logger.Info("client disconnected", "id", cc.ID())
}

func (s *FTPServer) AuthUser(cc ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	if s.User != "" && (user != s.User || pass != s.Password) {
		s.Logger.Warn("login refused", "id", cc.ID(), "user", user)
		return nil, errBadCredentials
	}
	return s.FileSystem, nil
}

func (s *FTPServer) GetTLSConfig() (*tls.Config, error) {
	return nil, errors.New("TLS is not configured")
}

// Package debug contains the utilities that are only active when the relay
// has been configured for debugging.
package debug

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

// ClientToServer is the direction reported for frames read from a client.
const ClientToServer = "client->server"

// LogFrame writes a hex dump of a decrypted frame at debug level.
func LogFrame(log *logrus.Entry, direction string, payload []byte) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	log.WithField("direction", direction).Debugf("frame (%d bytes):\n%s", len(payload), spew.Sdump(payload))
}

// StartPprofServer starts the default pprof HTTP server on addr, which should
// be a localhost address. See https://golang.org/pkg/net/http/pprof/
//
// The server is shut down when ctx is cancelled.
func StartPprofServer(ctx context.Context, addr string, logger *logrus.Logger) {
	server := &http.Server{
		Addr:              addr,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Infof("starting pprof server on %s", addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("error starting pprof server: %s", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

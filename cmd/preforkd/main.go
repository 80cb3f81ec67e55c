// Command preforkd is the pre-forked HTTP/1.x server with CGI
// delegation: one binary that acts as either the supervisor or, when
// re-exec'd with PREFORKD_WORKER=1, a worker process in its pool.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/taesko/preforkd/internal/cgi"
	"github.com/taesko/preforkd/internal/config"
	"github.com/taesko/preforkd/internal/fdtransport"
	"github.com/taesko/preforkd/internal/httpframe"
	"github.com/taesko/preforkd/internal/logging"
	"github.com/taesko/preforkd/internal/procutil"
	"github.com/taesko/preforkd/internal/supervisor"
	"github.com/taesko/preforkd/internal/worker"
	"github.com/taesko/preforkd/internal/wserr"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "preforkd",
		Short: "Pre-forked HTTP/1.x server with CGI delegation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file (defaults built in if omitted)")
	return cmd
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel)

	if procutil.IsWorkerMode() {
		return runWorker(cfg, log)
	}
	return runSupervisor(cfg, log)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runSupervisor(cfg *config.Config, log *logrus.Logger) error {
	sup := &supervisor.Supervisor{Config: cfg, Log: log}
	logging.WithPID(log).WithField("addr", cfg.Addr()).Info("preforkd: supervisor starting")
	if err := sup.Run(); err != nil {
		logging.WithPID(log).WithError(err).Error("preforkd: supervisor exited with error")
		return err
	}
	logging.WithPID(log).Info("preforkd: supervisor exited cleanly")
	return nil
}

func runWorker(cfg *config.Config, log *logrus.Logger) error {
	channel, err := procutil.InheritedControlChannel()
	if err != nil {
		return fmt.Errorf("preforkd: worker: reconstructing control channel: %w", err)
	}
	logging.WithPID(log).Info("preforkd: worker starting")

	loop := &worker.Loop{
		Channel: channel,
		Handler: &rootHandler{cfg: cfg, log: log},
		Limits:  httpframe.Limits{MaxLineLength: 8192, MaxHeaderSize: cfg.ReadBuffer * 16},
		Timeout: cfg.RequestTimeout,
		Log:     log,
	}
	if err := loop.Run(); err != nil {
		logging.WithPID(log).WithError(err).Error("preforkd: worker exited with error")
		return err
	}
	logging.WithPID(log).Info("preforkd: worker exited cleanly")
	return nil
}

// rootHandler is the pluggable handler(request, socket) -> response
// function workers invoke: it delegates requests under cfg.CGIScriptRoot
// to the CGI handler and answers everything else with a fixed 404;
// routing and static-file service live outside this package entirely.
type rootHandler struct {
	cfg *config.Config
	log *logrus.Logger
}

func (h *rootHandler) Serve(ctx context.Context, conn net.Conn, peer fdtransport.PeerAddr, req *httpframe.Request) *httpframe.Response {
	scriptPath, isCGI := h.resolveScript(req.Path)
	if !isCGI {
		return httpframe.NewResponse(req.HTTPVersion, 404, []byte("404 Not Found\n"))
	}

	env := cgi.BuildEnv(req, peer.Host, h.cfg.Port, h.cfg.Protocol)
	handler := &cgi.Handler{Log: h.log, MetaLimit: h.cfg.CGIResMetaLimit}
	if err := handler.Run(ctx, scriptPath, req, env, conn); err != nil {
		if wserr.Silent(err) {
			return nil
		}
		return httpframe.ErrorResponse(req.HTTPVersion, err)
	}
	return nil
}

// resolveScript maps a request path to an executable under
// cfg.CGIScriptRoot, refusing to resolve outside of it.
func (h *rootHandler) resolveScript(path string) (string, bool) {
	cleaned := filepath.Clean("/" + path)
	candidate := filepath.Join(h.cfg.CGIScriptRoot, cleaned)
	if !strings.HasPrefix(candidate, filepath.Clean(h.cfg.CGIScriptRoot)+string(os.PathSeparator)) {
		return "", false
	}
	info, err := os.Stat(candidate)
	if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
		return "", false
	}
	return candidate, true
}

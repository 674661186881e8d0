// Package supervisor bootstraps the challenge environment and serves it.
//
// Startup is an ordered pipeline of idempotent steps: fetch the managed binaries, initialize the store,
// launch the terminal session, then serve HTTP. Only a failure to listen stops the pipeline; every other
// failure is logged and the server comes up in a degraded mode.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	internalnet "github.com/guseggert/challengeshell/internal/net"
	"github.com/guseggert/challengeshell/supervisor/fetch"
	"github.com/guseggert/challengeshell/supervisor/ingress"
	"github.com/guseggert/challengeshell/supervisor/seed"
	"github.com/guseggert/challengeshell/supervisor/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

type Supervisor struct {
	logger *zap.Logger
	log    *zap.SugaredLogger
	cfg    Config

	fetcher   *fetch.Fetcher
	fetchOpts []fetch.Option

	shutdownTimeout time.Duration
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Supervisor) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithFetchOptions(opts ...fetch.Option) Option {
	return func(s *Supervisor) {
		s.fetchOpts = append(s.fetchOpts, opts...)
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.shutdownTimeout = d
	}
}

// New validates the config and builds a supervisor.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Supervisor{
		logger:          logger,
		cfg:             cfg,
		shutdownTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.logger.Named("supervisor").Sugar()
	s.fetcher = fetch.New(s.logger.Named("fetch").Sugar(), s.fetchOpts...)
	return s, nil
}

// Run executes the startup pipeline and serves until ctx is canceled or the HTTP server fails.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := os.MkdirAll(s.cfg.DataPath(), 0o755)
	if err != nil {
		s.log.Errorf("creating terminal workspace: %s", err)
	}

	s.FetchArtifacts(ctx)
	s.InitStore(ctx)

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	handler, err := s.newIngress()
	if err != nil {
		listener.Close()
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	task, err := s.LaunchSession(groupCtx)
	if err != nil {
		s.log.Errorf("starting terminal session: %s", err)
	} else {
		group.Go(func() error { return s.superviseSession(task) })
		group.Go(func() error { return s.probeSession(groupCtx, task) })
	}

	server := &http.Server{Handler: handler}
	group.Go(func() error {
		s.log.Infof("Server running on port %d", s.cfg.Port)
		s.log.Infof("Serving files from: %s", s.cfg.PublicPath())
		s.log.Infof("Terminal workspace: %s", s.cfg.DataPath())
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if err != nil {
			s.log.Debugf("shutting down HTTP server: %s", err)
			server.Close()
		}
		return nil
	})

	return group.Wait()
}

// FetchArtifacts downloads the terminal bridge and, when enabled, the database CLI.
// Failures are logged and leave the dependent feature unavailable.
func (s *Supervisor) FetchArtifacts(ctx context.Context) {
	artifacts := []fetch.Artifact{{
		Name:   "ttyd",
		Path:   s.cfg.TerminalPath(),
		URL:    s.cfg.Terminal.URL,
		Format: fetch.FormatExecutable,
	}}
	if s.cfg.DBToolBinary() != "" {
		artifacts = append(artifacts, fetch.Artifact{
			Name:   "sqlite-tools",
			Path:   s.cfg.DBToolPath(),
			URL:    s.cfg.DBTool.URL,
			Prefix: s.cfg.DBTool.Prefix,
		})
	}
	for _, a := range artifacts {
		_, err := s.fetcher.Ensure(ctx, a)
		if err != nil {
			s.log.Errorf("failed to download %s: %s", a.Name, err)
		}
	}
}

// SeedTools returns the store seeding tools in order of preference.
func (s *Supervisor) SeedTools() []seed.Tool {
	var tools []seed.Tool
	if bin := s.cfg.DBToolBinary(); bin != "" {
		tools = append(tools, &seed.CLI{Path: bin})
	}
	tools = append(tools, &seed.CLI{Path: "sqlite3"})
	if s.cfg.BuiltinSeed {
		tools = append(tools, seed.Builtin{})
	}
	return tools
}

func (s *Supervisor) InitStore(ctx context.Context) seed.Outcome {
	log := s.logger.Named("seed").Sugar()
	outcome, err := seed.Ensure(ctx, log, s.cfg.StorePath(), s.cfg.SeedPath(), s.SeedTools())
	if err != nil {
		log.Errorf("initializing store: %s", err)
	}
	return outcome
}

// LaunchSession writes the shell init file and starts the terminal bridge in the sandbox directory.
// The returned task must be supervised so that its output is drained.
func (s *Supervisor) LaunchSession(ctx context.Context) (*session.Task, error) {
	dir := s.cfg.DataPath()
	_, err := session.WriteRCFile(dir, s.cfg.Terminal.RCFile, s.cfg.RC())
	if err != nil {
		return nil, err
	}

	var pathDirs []string
	if s.cfg.DBToolBinary() != "" {
		if fi, err := os.Stat(s.cfg.DBToolPath()); err == nil && fi.IsDir() {
			pathDirs = append(pathDirs, s.cfg.DBToolPath())
		}
	}

	s.log.Infof("starting ttyd on port %d", s.cfg.Terminal.Port)
	return session.Launch(ctx, session.LaunchRequest{
		Command:  s.cfg.TerminalPath(),
		Args:     s.cfg.Bridge().Args(),
		Dir:      dir,
		PathDirs: pathDirs,
		Env:      s.cfg.Terminal.Env,
	})
}

// superviseSession relays the session's output to the log until it exits. The session is not restarted.
func (s *Supervisor) superviseSession(task *session.Task) error {
	log := s.logger.Named("ttyd").Sugar().With("session", task.ID)
	log.Debugf("supervising pid %d", task.PID)
	for l := range task.Lines() {
		if l.Stream == session.Stderr {
			log.Warn(l.Text)
		} else {
			log.Info(l.Text)
		}
	}
	<-task.Done()
	if task.Err() != nil {
		log.Errorf("waiting on ttyd: %s", task.Err())
	}
	if code := task.ExitCode(); code != 0 {
		log.Errorf("ttyd exited with code %d", code)
	} else {
		log.Infof("ttyd exited with code %d", code)
	}
	return nil
}

// probeSession logs once the bridge accepts connections. Routing doesn't wait for it.
func (s *Supervisor) probeSession(ctx context.Context, task *session.Task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-task.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	addr := s.sessionAddr()
	err := internalnet.WaitForPort(ctx, addr, 250*time.Millisecond)
	if err != nil {
		s.log.Debugf("terminal never became reachable: %s", err)
		return nil
	}
	s.log.Infof("terminal reachable on %s", addr)
	return nil
}

func (s *Supervisor) sessionAddr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Terminal.Port))
}

func (s *Supervisor) newIngress() (*ingress.Router, error) {
	return ingress.New(ingress.Options{
		Log:       s.logger.Named("ingress").Sugar(),
		PublicDir: s.cfg.PublicPath(),
		Prefix:    s.cfg.Terminal.Prefix,
		Target:    &url.URL{Scheme: "http", Host: s.sessionAddr()},
	})
}

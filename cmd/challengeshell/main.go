package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/guseggert/challengeshell/internal/files"
	"github.com/guseggert/challengeshell/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "challengeshell",
		Usage: "serve the challenge site and its browser terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Usage:   "Install root holding public/, the seed script and managed binaries. Defaults to the nearest directory containing the seed script.",
				EnvVars: []string{"CHALLENGESHELL_ROOT"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Optional TOML or YAML config file.",
				EnvVars: []string{"CHALLENGESHELL_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "The port for the HTTP server to listen on.",
				Value:   supervisor.DefaultPort,
				EnvVars: []string{"PORT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"CHALLENGESHELL_LOG_LEVEL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			var port *int
			if ctx.IsSet("port") {
				p := ctx.Int("port")
				port = &p
			}
			cfg, err := loadConfig(ctx.String("root"), ctx.String("config"), port)
			if err != nil {
				return err
			}

			s, err := supervisor.New(cfg, supervisor.WithLogLevel(level))
			if err != nil {
				return fmt.Errorf("building supervisor: %w", err)
			}

			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.Run(runCtx)
		},
	}
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig layers the config: defaults, then the config file, then explicitly set flags.
func loadConfig(rootFlag, configPath string, port *int) (supervisor.Config, error) {
	root, err := resolveRoot(rootFlag)
	if err != nil {
		return supervisor.Config{}, err
	}
	cfg := supervisor.DefaultConfig(root)
	if configPath != "" {
		err = supervisor.LoadFile(configPath, &cfg)
		if err != nil {
			return supervisor.Config{}, fmt.Errorf("loading config: %w", err)
		}
		if rootFlag != "" || cfg.Root == "" {
			cfg.Root = root
		}
		cfg.Root, err = filepath.Abs(cfg.Root)
		if err != nil {
			return supervisor.Config{}, err
		}
	}
	if port != nil {
		cfg.Port = *port
	}
	return cfg, nil
}

func resolveRoot(root string) (string, error) {
	if root != "" {
		return filepath.Abs(root)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting wd: %w", err)
	}
	if dir := files.FindUp(supervisor.DefaultSeedScript, wd); dir != "" {
		return dir, nil
	}
	return wd, nil
}

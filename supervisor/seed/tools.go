package seed

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"strings"

	_ "modernc.org/sqlite"
)

// CLI runs a sqlite3-compatible command line tool as `<Path> <store> < <seed>`.
type CLI struct {
	// Path is either a file path or a bare command name looked up on PATH.
	Path string
}

func (c *CLI) Name() string { return c.Path }

func (c *CLI) resolve() (string, error) {
	return exec.LookPath(c.Path)
}

func (c *CLI) Available() bool {
	_, err := c.resolve()
	return err == nil
}

func (c *CLI) Apply(ctx context.Context, storePath, seedPath string) error {
	bin, err := c.resolve()
	if err != nil {
		return err
	}
	seed, err := os.Open(seedPath)
	if err != nil {
		return fmt.Errorf("opening seed script: %w", err)
	}
	defer seed.Close()

	stderr := &bytes.Buffer{}
	cmd := exec.CommandContext(ctx, bin, storePath)
	cmd.Stdin = seed
	cmd.Stderr = stderr
	err = cmd.Run()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("running %s: %w: %s", bin, err, msg)
		}
		return fmt.Errorf("running %s: %w", bin, err)
	}
	return nil
}

// Builtin applies the seed script in-process with the pure-Go SQLite driver.
// It is the tool of last resort for hosts with no sqlite3 binary at all.
type Builtin struct{}

func (Builtin) Name() string { return "builtin sqlite" }

func (Builtin) Available() bool { return true }

func (Builtin) Apply(ctx context.Context, storePath, seedPath string) error {
	script, err := os.ReadFile(seedPath)
	if err != nil {
		return fmt.Errorf("reading seed script: %w", err)
	}
	db, err := sql.Open("sqlite", storePath)
	if err != nil {
		return fmt.Errorf("opening %q: %w", storePath, err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, string(script))
	if err != nil {
		return fmt.Errorf("executing seed script: %w", err)
	}
	return nil
}

// Package seed creates the challenge database from its seed script, once.
//
// The store file's existence is the only idempotence check: once the file exists it is never
// rewritten, whatever its contents. When the selected tool fails, an empty placeholder is left
// at the store path so that the sandbox always looks the same to the shell session.
package seed

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Tool materializes a store from a seed script.
type Tool interface {
	Name() string
	// Available reports whether the tool can be run on this host.
	Available() bool
	Apply(ctx context.Context, storePath, seedPath string) error
}

type Outcome int

const (
	// OutcomeExisting means the store was already present and was left untouched.
	OutcomeExisting Outcome = iota
	// OutcomeNoSeed means there was no seed script, so no store was created.
	OutcomeNoSeed
	// OutcomeSeeded means the store was created from the seed script.
	OutcomeSeeded
	// OutcomePlaceholder means seeding failed and an empty file was left in place of the store.
	OutcomePlaceholder
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExisting:
		return "existing"
	case OutcomeNoSeed:
		return "no-seed"
	case OutcomeSeeded:
		return "seeded"
	case OutcomePlaceholder:
		return "placeholder"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Select returns the first available tool, or nil if none can run.
func Select(tools []Tool) Tool {
	for _, t := range tools {
		if t != nil && t.Available() {
			return t
		}
	}
	return nil
}

// Ensure creates the store at storePath from the script at seedPath unless the store already exists.
// The only errors returned are ones that leave the store path in an unknown state.
func Ensure(ctx context.Context, log *zap.SugaredLogger, storePath, seedPath string, tools []Tool) (Outcome, error) {
	_, err := os.Stat(storePath)
	if err == nil {
		log.Debugf("store %s already exists", storePath)
		return OutcomeExisting, nil
	}
	if !os.IsNotExist(err) {
		return OutcomeExisting, fmt.Errorf("stat'ing store %q: %w", storePath, err)
	}

	_, err = os.Stat(seedPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Errorf("seed script %s not found, not creating store", seedPath)
			return OutcomeNoSeed, nil
		}
		return OutcomeNoSeed, fmt.Errorf("stat'ing seed script %q: %w", seedPath, err)
	}

	log.Infof("initializing store %s from %s", storePath, seedPath)
	tool := Select(tools)
	if tool == nil {
		log.Errorf("no tool available to apply the seed script")
	} else {
		err = tool.Apply(ctx, storePath, seedPath)
		if err == nil {
			log.Infof("store initialized via %s", tool.Name())
			return OutcomeSeeded, nil
		}
		log.Errorf("failed to initialize store via %s: %s", tool.Name(), err)
	}

	log.Infof("creating empty placeholder store")
	err = os.WriteFile(storePath, nil, 0o644)
	if err != nil {
		return OutcomePlaceholder, fmt.Errorf("writing placeholder store: %w", err)
	}
	return OutcomePlaceholder, nil
}

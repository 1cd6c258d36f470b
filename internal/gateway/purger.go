package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CachePurger discards partially downloaded model assets so a restarted host
// does not resume from a corrupt copy.
type CachePurger interface {
	// Purge removes the named assets, or the whole cache when files is empty.
	Purge(ctx context.Context, files []string) error
}

// DirPurger purges assets from a model cache directory on local disk.
type DirPurger struct {
	Dir string
}

func (p DirPurger) Purge(ctx context.Context, files []string) error {
	if p.Dir == "" {
		return nil
	}
	root, err := filepath.Abs(p.Dir)
	if err != nil {
		return fmt.Errorf("resolve cache dir: %w", err)
	}
	if len(files) == 0 {
		entries, err := os.ReadDir(root)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read cache dir: %w", err)
		}
		var errs []error
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			errs = append(errs, os.RemoveAll(filepath.Join(root, entry.Name())))
		}
		return errors.Join(errs...)
	}

	var errs []error
	for _, file := range files {
		target := filepath.Join(root, filepath.FromSlash(file))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			errs = append(errs, fmt.Errorf("asset %q escapes cache dir", file))
			continue
		}
		if err := os.RemoveAll(target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopPurger struct{}

func (nopPurger) Purge(context.Context, []string) error { return nil }

package installer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// publish swaps staged into target. A previous install is moved aside first
// and only deleted once the new tree is in place; if the swap fails the
// aside copy goes back, so target always holds one complete install.
func (i *Installer) publish(staged, target string) error {
	old := target + ".old"
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("%w: clearing %s: %w", ErrPublish, old, err)
	}
	hadPrevious := false
	if _, err := os.Lstat(target); err == nil {
		if err := i.rename(target, old); err != nil {
			return fmt.Errorf("%w: moving previous install aside: %w", ErrPublish, err)
		}
		hadPrevious = true
	}
	if err := i.rename(staged, target); err != nil {
		if hadPrevious {
			if restoreErr := i.rename(old, target); restoreErr != nil {
				return fmt.Errorf("%w: %w", ErrPublish, errors.Join(err, fmt.Errorf("restoring previous install: %w", restoreErr)))
			}
		}
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	if hadPrevious {
		if err := os.RemoveAll(old); err != nil {
			i.logger.Warn().Err(err).Msgf("Could not remove previous install %s", old)
		}
	}
	syncDir(filepath.Dir(target))
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

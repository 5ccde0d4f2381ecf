package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"github.com/foxseedlab/fieldsync/internal/repository"
)

func classifyOS(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrStorageFull), errors.Is(err, repository.ErrStorageUnavailable):
		return err
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return fmt.Errorf("%w: %w", repository.ErrStorageFull, err)
	case errors.Is(err, syscall.EROFS), errors.Is(err, syscall.EIO), errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", repository.ErrStorageUnavailable, err)
	default:
		return err
	}
}

package scheduler

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/me/jobpool/pkg/model"
)

// Cleanup removes the raw data of released files from disk. Files already
// gone are ignored; every other failure is collected.
func Cleanup(files []*model.File, logger *slog.Logger) error {
	var errs []error
	for _, f := range files {
		err := os.Remove(f.Filename)
		switch {
		case err == nil:
			logger.Debug("raw data removed", "file_id", f.ID, "filename", f.Filename)
		case errors.Is(err, fs.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

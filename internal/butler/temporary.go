package butler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/config"
)

// TemporaryRepository is a throwaway repository under the work
// directory, created per processing job and removed on close.
type TemporaryRepository struct {
	*Repository
}

// NewTemporaryRepository creates a repository in a uniquely named
// directory under the configured work dir. prefix makes concurrent
// jobs distinguishable on disk.
func NewTemporaryRepository(cfg *config.Config, prefix string, logger *zap.SugaredLogger) (*TemporaryRepository, error) {
	workDir := cfg.Directories.Work
	if workDir == "" {
		workDir = os.TempDir()
	}

	root := filepath.Join(workDir, fmt.Sprintf("%s-%s", prefix, uuid.NewString()))
	repo, err := NewRepository(cfg, root, logger)
	if err != nil {
		return nil, err
	}
	return &TemporaryRepository{Repository: repo}, nil
}

// Close closes the registry and removes the repository directory.
func (t *TemporaryRepository) Close() error {
	err := t.Repository.Close()
	if rmErr := os.RemoveAll(t.root); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

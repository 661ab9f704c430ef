package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/raphi011/rpbridge/internal/model"
)

// FileHandle stores the launch id in a file, typically on a volume shared
// by all workers of a run.
type FileHandle struct {
	path string
}

func NewFileHandle(dir, key string) *FileHandle {
	return &FileHandle{path: filepath.Join(dir, key+".launch")}
}

func (h *FileHandle) Path() string {
	return h.path
}

func (h *FileHandle) Publish(ctx context.Context, launchID string) error {
	existing, ok, err := h.Load(ctx)
	if err != nil {
		return err
	}

	if ok {
		if existing == launchID {
			return nil
		}

		return model.AlreadyPublishedError{Existing: existing}
	}

	if err = os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("creating launch handle directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(h.path), ".launch-*")
	if err != nil {
		return fmt.Errorf("creating launch handle: %w", err)
	}

	if _, err = tmp.WriteString(launchID); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing launch handle: %w", err)
	}

	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing launch handle: %w", err)
	}

	// rename is atomic, readers never observe a partially written id
	if err = os.Rename(tmp.Name(), h.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publishing launch handle: %w", err)
	}

	return nil
}

func (h *FileHandle) Load(_ context.Context) (string, bool, error) {
	b, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}

	id := strings.TrimSpace(string(b))

	return id, id != "", nil
}

// Reset deletes the published id so the next run starts clean.
func (h *FileHandle) Reset(_ context.Context) error {
	err := os.Remove(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return err
}

// EnvHandle passes the launch id through an environment variable. It only
// works when the coordinator spawns its workers after publishing.
type EnvHandle struct {
	name string
}

const DefaultLaunchEnv = "RP_LAUNCH_ID"

func NewEnvHandle(name string) *EnvHandle {
	if name == "" {
		name = DefaultLaunchEnv
	}

	return &EnvHandle{name: name}
}

func (h *EnvHandle) Publish(_ context.Context, launchID string) error {
	if existing := os.Getenv(h.name); existing != "" && existing != launchID {
		return model.AlreadyPublishedError{Existing: existing}
	}

	return os.Setenv(h.name, launchID)
}

func (h *EnvHandle) Reset(_ context.Context) error {
	return os.Unsetenv(h.name)
}

func (h *EnvHandle) Load(_ context.Context) (string, bool, error) {
	id := os.Getenv(h.name)

	return id, id != "", nil
}

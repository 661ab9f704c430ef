package rpbridge

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/raphi011/rpbridge/internal/coordinator"
	"github.com/raphi011/rpbridge/internal/storage"
)

// openLaunchHandle resolves an rp_launch_sync value. Supported forms are
// "file:<dir>", "sqlite:<file>" and "env" or "env:<variable>". The returned
// closer is nil for handles without resources.
func openLaunchHandle(sync, key string, log *slog.Logger) (coordinator.Handle, io.Closer, error) {
	kind, arg, _ := strings.Cut(sync, ":")

	switch kind {
	case "file":
		if arg == "" {
			return nil, nil, fmt.Errorf("rp_launch_sync %q: missing directory", sync)
		}

		return coordinator.NewFileHandle(arg, key), nil, nil
	case "sqlite":
		if arg == "" {
			return nil, nil, fmt.Errorf("rp_launch_sync %q: missing database file", sync)
		}

		s, err := storage.New(arg, key, log)
		if err != nil {
			return nil, nil, fmt.Errorf("opening launch database: %w", err)
		}

		return s, s, nil
	case "env":
		return coordinator.NewEnvHandle(arg), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported rp_launch_sync %q", sync)
	}
}

package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rolloutd/internal/logging"
	"github.com/fyrsmithlabs/rolloutd/internal/plan"
)

// WorkdirFunc resolves an isolation token to the directory the command
// runs in.
type WorkdirFunc func(token string) string

// LocalLauncher runs item commands as local subprocesses inside their
// isolated workspaces.
type LocalLauncher struct {
	workdir WorkdirFunc
	logger  *logging.Logger
}

// NewLocalLauncher creates a launcher that runs commands under the
// directories resolved by workdir.
func NewLocalLauncher(workdir WorkdirFunc, logger *logging.Logger) *LocalLauncher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LocalLauncher{workdir: workdir, logger: logger}
}

// Launch starts the item's command. Items without a command complete
// immediately: they exist only for their position in the graph.
func (l *LocalLauncher) Launch(ctx context.Context, item plan.Item, token string) (Handle, error) {
	h := &localHandle{
		id:     uuid.NewString(),
		status: StatusDispatched,
	}

	if item.Command == "" {
		h.finish(StatusCompleted, "", nil)
		return h, nil
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", item.Command)
	cmd.Dir = l.workdir(token)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start command for item %s: %w", item.ID, err)
	}
	h.setStatus(StatusRunning)

	l.logger.Debug(ctx, "executor started",
		zap.String("item", item.ID),
		zap.String("handle", h.id),
		zap.String("token", token),
	)

	go func() {
		defer cancel()
		err := cmd.Wait()
		if err != nil {
			h.finish(StatusFailed, output.String(), fmt.Errorf("item %s: %w", item.ID, err))
			return
		}
		h.finish(StatusCompleted, output.String(), nil)
	}()

	return h, nil
}

// localHandle tracks one subprocess execution.
type localHandle struct {
	id     string
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
	output string
	err    error
}

func (h *localHandle) ID() string { return h.id }

func (h *localHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *localHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *localHandle) Output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output
}

func (h *localHandle) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *localHandle) setStatus(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}

func (h *localHandle) finish(s Status, output string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return
	}
	h.status = s
	h.output = output
	h.err = err
}

package dockersandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/kandev/kandev-core/internal/logging"
	"github.com/kandev/kandev-core/internal/sandbox"
)

// Instance is one live container backing a Session's sandbox.
type Instance struct {
	id      string
	cli     *dockerclient.Client
	logger  *logging.Logger
	workdir string
}

func (i *Instance) SandboxID() string { return i.id }

// Spawn execs cmd inside the running container, streaming stdout/stderr
// chunks to the caller's handlers as they arrive.
func (i *Instance) Spawn(ctx context.Context, cmd []string, opts sandbox.SpawnOptions) (sandbox.Handle, error) {
	cwd := opts.Cwd
	if cwd == "" {
		cwd = i.workdir
	}
	env := make([]string, 0, len(opts.Envs))
	for k, v := range opts.Envs {
		env = append(env, k+"="+v)
	}

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   cwd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := i.cli.ContainerExecCreate(ctx, i.id, execCfg)
	if err != nil {
		return nil, fmt.Errorf("dockersandbox: exec create: %w", err)
	}

	attached, err := i.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("dockersandbox: exec attach: %w", err)
	}

	h := &execHandle{
		execID:  created.ID,
		conn:    attached,
		cli:     i.cli,
		logger:  i.logger,
		timeout: time.Duration(opts.TimeoutMs) * time.Millisecond,
	}
	h.pump(opts.OnStdout, opts.OnStderr)
	return h, nil
}

// Kill has no per-process signal in the exec model (docker exec shares
// the container's pid namespace but offers no kill-by-exec-id API), so
// it reports unsupported; the Session Engine's Interrupt then returns
// false and leaves the process and the sandbox running.
func (i *Instance) Kill(ctx context.Context, processID string) (bool, error) {
	return false, sandbox.ErrUnsupported
}

func (i *Instance) ReadFile(ctx context.Context, p string) ([]byte, error) {
	rc, _, err := i.cli.CopyFromContainer(ctx, i.id, p)
	if err != nil {
		return nil, fmt.Errorf("dockersandbox: read %s: %w", p, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("dockersandbox: read %s: empty archive: %w", p, err)
	}
	return io.ReadAll(tr)
}

func (i *Instance) WriteFile(ctx context.Context, p string, data []byte, mode int) error {
	return i.WriteFiles(ctx, []sandbox.FileEntry{{Path: p, Content: data, Mode: mode}})
}

func (i *Instance) WriteFiles(ctx context.Context, entries []sandbox.FileEntry) error {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		mode := e.Mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name: strings.TrimPrefix(e.Path, "/"),
			Mode: int64(mode),
			Size: int64(len(e.Content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("dockersandbox: tar header for %s: %w", e.Path, err)
		}
		if _, err := tw.Write(e.Content); err != nil {
			return fmt.Errorf("dockersandbox: tar write for %s: %w", e.Path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return i.cli.CopyToContainer(ctx, i.id, "/", buf, container.CopyToContainerOptions{})
}

func (i *Instance) MakeDir(ctx context.Context, p string) error {
	h, err := i.Spawn(ctx, []string{"mkdir", "-p", p}, sandbox.SpawnOptions{})
	if err != nil {
		return err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("dockersandbox: mkdir -p %s exited %d: %s", p, res.ExitCode, res.Stderr)
	}
	return nil
}

// GetOutputFiles shells out to `find ... -exec stat` the way spec.md
// §4.1.5 specifies (ctime, not mtime, so mtime-spoofing tools don't hide
// stale output), then reads every matching file.
func (i *Instance) GetOutputFiles(ctx context.Context, root string, sinceUnixSec int64) (map[string][]byte, error) {
	script := fmt.Sprintf(
		`find %s -type f -exec stat -c '%%Z %%n' {} \; 2>/dev/null`,
		root,
	)
	h, err := i.Spawn(ctx, []string{"sh", "-c", script}, sandbox.SpawnOptions{})
	if err != nil {
		return nil, err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte)
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), " ", 2)
		if len(parts) != 2 {
			continue
		}
		ctimeSec, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || ctimeSec < sinceUnixSec {
			continue
		}
		full := parts[1]
		rel := strings.TrimPrefix(strings.TrimPrefix(full, root), "/")
		data, err := i.ReadFile(ctx, full)
		if err != nil {
			i.logger.Warn("failed to read output file", zap.String("path", full), zap.Error(err))
			continue
		}
		out[rel] = data
	}
	return out, scanner.Err()
}

func (i *Instance) GetHost(ctx context.Context, port int) (string, error) {
	inspect, err := i.cli.ContainerInspect(ctx, i.id)
	if err != nil {
		return "", err
	}
	if inspect.NetworkSettings != nil && inspect.NetworkSettings.IPAddress != "" {
		return fmt.Sprintf("%s:%d", inspect.NetworkSettings.IPAddress, port), nil
	}
	for _, net := range inspect.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return fmt.Sprintf("%s:%d", net.IPAddress, port), nil
		}
	}
	return "", fmt.Errorf("dockersandbox: no network address for sandbox %s", i.id)
}

func (i *Instance) Pause(ctx context.Context) error {
	return i.cli.ContainerPause(ctx, i.id)
}

func (i *Instance) Resume(ctx context.Context) error {
	return i.cli.ContainerUnpause(ctx, i.id)
}

func (i *Instance) Terminate(ctx context.Context) error {
	timeout := 5
	_ = i.cli.ContainerStop(ctx, i.id, container.StopOptions{Timeout: &timeout})
	return i.cli.ContainerRemove(ctx, i.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (i *Instance) Capabilities() sandbox.Capabilities {
	return sandbox.Capabilities{SupportsPause: true, SupportsInterrupt: false}
}

var _ sandbox.Instance = (*Instance)(nil)

// execHandle adapts a container exec's attached stream to sandbox.Handle.
type execHandle struct {
	execID  string
	conn    dockertypes.HijackedResponse
	cli     *dockerclient.Client
	logger  *logging.Logger
	timeout time.Duration // 0 means no caller-configured deadline (spec.md §9 open question (a))

	stdoutBuf bytes.Buffer
	stderrBuf bytes.Buffer
	pumpDone  chan struct{}
}

func (h *execHandle) pump(onStdout, onStderr func([]byte)) {
	h.pumpDone = make(chan struct{})
	go func() {
		defer close(h.pumpDone)
		stdoutW := &callbackWriter{buf: &h.stdoutBuf, onChunk: onStdout}
		stderrW := &callbackWriter{buf: &h.stderrBuf, onChunk: onStderr}
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, h.conn.Reader)
	}()
}

type callbackWriter struct {
	buf     *bytes.Buffer
	onChunk func([]byte)
}

func (w *callbackWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.onChunk != nil {
		w.onChunk(p)
	}
	return len(p), nil
}

func (h *execHandle) ProcessID() string { return h.execID }

func (h *execHandle) Stdin() io.WriteCloser { return h.conn.Conn }

func (h *execHandle) Kill(ctx context.Context) (bool, error) {
	return false, sandbox.ErrUnsupported
}

func (h *execHandle) Wait(ctx context.Context) (sandbox.WaitResult, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	select {
	case <-h.pumpDone:
	case <-ctx.Done():
		return sandbox.WaitResult{}, ctx.Err()
	}
	h.conn.Close()

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		inspect, err := h.cli.ContainerExecInspect(ctx, h.execID)
		if err != nil {
			return sandbox.WaitResult{}, fmt.Errorf("dockersandbox: exec inspect: %w", err)
		}
		if !inspect.Running {
			return sandbox.WaitResult{
				ExitCode: inspect.ExitCode,
				Stdout:   h.stdoutBuf.String(),
				Stderr:   h.stderrBuf.String(),
			}, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return sandbox.WaitResult{}, fmt.Errorf("dockersandbox: exec %s did not settle before deadline", h.execID)
}


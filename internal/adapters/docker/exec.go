package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/melih/lighthouse-runner/internal/core/domain"
	"github.com/melih/lighthouse-runner/internal/core/ports"
)

// exitPollInterval is how often ExitCode re-inspects an exec whose output
// has ended but whose process the engine still reports as running.
const exitPollInterval = 50 * time.Millisecond

// Exec creates an exec instance in the container and attaches to it.
func (a *Adapter) Exec(ctx context.Context, containerID string, req domain.ExecRequest) (ports.ExecStream, error) {
	execCfg := container.ExecOptions{
		Cmd:          req.Cmd,
		Tty:          req.TTY,
		AttachStdin:  req.Stdin,
		AttachStdout: true,
		AttachStderr: true,
	}
	if req.TTY {
		execCfg.Env = []string{"TERM=xterm-256color"}
	}

	resp, err := a.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("create exec %v: %w", req.Cmd, err)
	}

	attach, err := a.cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{Tty: req.TTY})
	if err != nil {
		return nil, fmt.Errorf("attach exec %v: %w", req.Cmd, err)
	}

	a.logger.Debug("exec attached", "container", shortID(containerID), "exec", shortID(resp.ID), "tty", req.TTY)
	return newExecStream(a.cli, resp.ID, attach, req.TTY), nil
}

type execStream struct {
	cli    client.APIClient
	execID string
	attach types.HijackedResponse
	out    io.Reader
	pipe   *io.PipeReader

	closeOnce sync.Once
	closeErr  error
}

func newExecStream(cli client.APIClient, execID string, attach types.HijackedResponse, tty bool) *execStream {
	s := &execStream{cli: cli, execID: execID, attach: attach, out: attach.Reader}
	if !tty {
		// Without a TTY the engine multiplexes stdout and stderr; both are
		// written to one pipe in arrival order.
		pr, pw := io.Pipe()
		go func() {
			_, err := stdcopy.StdCopy(pw, pw, attach.Reader)
			pw.CloseWithError(err)
		}()
		s.out = pr
		s.pipe = pr
	}
	return s
}

func (s *execStream) Read(p []byte) (int, error) {
	return s.out.Read(p)
}

func (s *execStream) Write(p []byte) (int, error) {
	if s.attach.Conn == nil {
		return 0, errors.New("exec input is not attached")
	}
	return s.attach.Conn.Write(p)
}

func (s *execStream) CloseWrite() error {
	return s.attach.CloseWrite()
}

// Close ends input first so an interactive shell sees EOF and exits, then
// drops the hijacked connection.
func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.attach.Conn != nil {
			if err := s.attach.CloseWrite(); err != nil && !errors.Is(err, io.EOF) {
				errs = append(errs, fmt.Errorf("close exec input: %w", err))
			}
		}
		s.attach.Close()
		if s.pipe != nil {
			s.pipe.Close()
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *execStream) ExitCode(ctx context.Context) (int, error) {
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()
	for {
		info, err := s.cli.ContainerExecInspect(ctx, s.execID)
		if err != nil {
			return -1, fmt.Errorf("inspect exec %s: %w", shortID(s.execID), err)
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *execStream) Resize(ctx context.Context, cols, rows uint) error {
	if err := s.cli.ContainerExecResize(ctx, s.execID, container.ResizeOptions{Width: cols, Height: rows}); err != nil {
		return fmt.Errorf("resize exec %s: %w", shortID(s.execID), err)
	}
	return nil
}

package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/melih/lighthouse-runner/internal/core/domain"
)

// fakeDocker records calls and returns configured responses.
type fakeDocker struct {
	client.APIClient

	mu sync.Mutex

	createConfig *container.Config
	createHost   *container.HostConfig
	createName   string
	createErr    error

	execOptions container.ExecOptions
	execOutput  []byte
	execConn    *recordConn
	execRunning int // inspect calls that still report running
	execExit    int

	inspectResult container.InspectResponse
	inspectErr    error

	logsOutput []byte
	logsClosed bool
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.createConfig, f.createHost, f.createName = cfg, host, name
	return container.CreateResponse{ID: "c0ffee"}, f.createErr
}

func (f *fakeDocker) ContainerInspect(_ context.Context, _ string) (container.InspectResponse, error) {
	return f.inspectResult, f.inspectErr
}

func (f *fakeDocker) ContainerLogs(_ context.Context, _ string, _ container.LogsOptions) (io.ReadCloser, error) {
	return &closeRecorder{Reader: bytes.NewReader(f.logsOutput), closed: &f.logsClosed}, nil
}

type closeRecorder struct {
	io.Reader
	closed *bool
}

func (c *closeRecorder) Close() error {
	*c.closed = true
	return nil
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, opts container.ExecOptions) (types.IDResponse, error) {
	f.execOptions = opts
	return types.IDResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, _ string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	return types.HijackedResponse{
		Reader: bufio.NewReader(bytes.NewReader(f.execOutput)),
		Conn:   f.execConn,
	}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, _ string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execRunning > 0 {
		f.execRunning--
		return container.ExecInspect{Running: true}, nil
	}
	return container.ExecInspect{ExitCode: f.execExit}, nil
}

// recordConn implements net.Conn and records writes and closes.
type recordConn struct {
	mu          sync.Mutex
	written     bytes.Buffer
	closed      bool
	closedWrite bool
}

func (c *recordConn) Read([]byte) (int, error) { return 0, io.EOF }
func (c *recordConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.Write(b)
}
func (c *recordConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *recordConn) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedWrite = true
	return nil
}
func (c *recordConn) LocalAddr() net.Addr              { return nil }
func (c *recordConn) RemoteAddr() net.Addr             { return nil }
func (c *recordConn) SetDeadline(time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(time.Time) error { return nil }

type frame struct {
	stream stdcopy.StdType
	data   string
}

func framed(t *testing.T, chunks ...frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, c := range chunks {
		w := stdcopy.NewStdWriter(&buf, c.stream)
		if _, err := w.Write([]byte(c.data)); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	return buf.Bytes()
}

func newTestAdapter(f *fakeDocker) *Adapter {
	return NewAdapterFromClient(f, log.New(io.Discard))
}

func TestCreateContainer_MapsSpec(t *testing.T) {
	f := &fakeDocker{}
	a := newTestAdapter(f)
	cpu := 1.5

	id, err := a.CreateContainer(context.Background(), domain.ContainerSpec{
		Name:          "runner",
		BaseImage:     "alpine:3.20",
		Ports:         []string{"8080:80/tcp"},
		Volumes:       []string{"/srv:/data"},
		Env:           map[string]string{"B": "2", "A": "1"},
		MemoryBytes:   64 << 20,
		CPU:           &cpu,
		Dependencies:  []string{"redis:7"},
		RestartPolicy: "on-failure",
	})
	if err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	if id != "c0ffee" {
		t.Errorf("id = %q", id)
	}
	if f.createName != "runner" || f.createConfig.Image != "alpine:3.20" {
		t.Errorf("name/image = %q/%q", f.createName, f.createConfig.Image)
	}
	if strings.Join(f.createConfig.Env, ",") != "A=1,B=2" {
		t.Errorf("Env = %v, want sorted", f.createConfig.Env)
	}
	if f.createConfig.Labels[DependenciesLabel] != "redis:7" {
		t.Errorf("Labels = %v", f.createConfig.Labels)
	}
	if f.createHost.Memory != 64<<20 || f.createHost.NanoCPUs != 1_500_000_000 {
		t.Errorf("resources = %d bytes, %d nanocpus", f.createHost.Memory, f.createHost.NanoCPUs)
	}
	if string(f.createHost.RestartPolicy.Name) != "on-failure" {
		t.Errorf("RestartPolicy = %q", f.createHost.RestartPolicy.Name)
	}
	if len(f.createHost.PortBindings) != 1 {
		t.Errorf("PortBindings = %v", f.createHost.PortBindings)
	}
}

func TestCreateContainer_WrapsEngineError(t *testing.T) {
	f := &fakeDocker{createErr: errdefs.ErrConflict.WithMessage("name in use")}
	_, err := newTestAdapter(f).CreateContainer(context.Background(), domain.ContainerSpec{BaseImage: "alpine"})
	if !errdefs.IsConflict(err) {
		t.Fatalf("error = %v, want conflict preserved through wrapping", err)
	}
}

func TestInspectContainer(t *testing.T) {
	f := &fakeDocker{inspectResult: container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    "abc",
			Name:  "/runner",
			State: &container.State{Status: "running", Running: true},
		},
		Config: &container.Config{Image: "alpine"},
	}}

	detail, err := newTestAdapter(f).InspectContainer(context.Background(), "abc")
	if err != nil {
		t.Fatalf("InspectContainer() error = %v", err)
	}
	if detail.Name != "runner" || !detail.Running || detail.State != "running" || detail.Image != "alpine" {
		t.Errorf("detail = %+v", detail)
	}
}

func TestExec_DemultiplexesOutputInOrder(t *testing.T) {
	f := &fakeDocker{
		execOutput:  framed(t, frame{stdcopy.Stdout, "hello\n"}, frame{stdcopy.Stderr, "oops\n"}),
		execConn:    &recordConn{},
		execRunning: 2,
		execExit:    3,
	}
	a := newTestAdapter(f)

	stream, err := a.Exec(context.Background(), "abc", domain.ExecRequest{Cmd: domain.OneShotCommand("echo hello")})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	defer stream.Close()

	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(out) != "hello\noops\n" {
		t.Errorf("output = %q", out)
	}

	code, err := stream.ExitCode(context.Background())
	if err != nil {
		t.Fatalf("ExitCode() error = %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if got := strings.Join(f.execOptions.Cmd, " "); got != "/bin/sh -c echo hello" {
		t.Errorf("Cmd = %q", got)
	}
}

func TestExec_ShellPassesRawBytesAndCloses(t *testing.T) {
	conn := &recordConn{}
	f := &fakeDocker{execOutput: []byte("$ "), execConn: conn}
	a := newTestAdapter(f)

	stream, err := a.Exec(context.Background(), "abc", domain.ExecRequest{Cmd: domain.ShellCommand, TTY: true, Stdin: true})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if !f.execOptions.Tty || !f.execOptions.AttachStdin {
		t.Fatalf("exec options = %+v, want tty with stdin", f.execOptions)
	}

	buf := make([]byte, 8)
	n, _ := stream.Read(buf)
	if string(buf[:n]) != "$ " {
		t.Errorf("read = %q", buf[:n])
	}
	if _, err := stream.Write([]byte("ls\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.written.String() != "ls\n" {
		t.Errorf("written = %q", conn.written.String())
	}
	if !conn.closedWrite || !conn.closed {
		t.Errorf("closedWrite=%v closed=%v, want both", conn.closedWrite, conn.closed)
	}
}

func TestExitCode_HonoursContext(t *testing.T) {
	f := &fakeDocker{execConn: &recordConn{}, execRunning: 1 << 30}
	stream, err := newTestAdapter(f).Exec(context.Background(), "abc", domain.ExecRequest{Cmd: []string{"sleep"}})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	if _, err := stream.ExitCode(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ExitCode() error = %v, want deadline exceeded", err)
	}
}

func TestGetContainerLogs_DemuxesWithoutTTY(t *testing.T) {
	f := &fakeDocker{
		inspectResult: container.InspectResponse{Config: &container.Config{Tty: false}},
		logsOutput: framed(t,
			frame{stdcopy.Stdout, "starting\n"},
			frame{stdcopy.Stderr, "warning: low disk\n"},
			frame{stdcopy.Stdout, "ready\n"},
		),
	}

	rc, err := newTestAdapter(f).GetContainerLogs(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetContainerLogs() error = %v", err)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if want := "starting\nwarning: low disk\nready\n"; string(got) != want {
		t.Errorf("logs = %q, want %q", got, want)
	}
	if err := rc.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !f.logsClosed {
		t.Error("engine log stream not closed")
	}
}

func TestGetContainerLogs_PassesThroughTTY(t *testing.T) {
	f := &fakeDocker{
		inspectResult: container.InspectResponse{Config: &container.Config{Tty: true}},
		logsOutput:    []byte("\x1b[32mready\x1b[0m\r\n"),
	}

	rc, err := newTestAdapter(f).GetContainerLogs(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetContainerLogs() error = %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != string(f.logsOutput) {
		t.Errorf("logs = %q, want raw stream", got)
	}
}

func TestGetContainerLogs_InspectError(t *testing.T) {
	f := &fakeDocker{inspectErr: errdefs.ErrNotFound.WithMessage("no such container")}
	_, err := newTestAdapter(f).GetContainerLogs(context.Background(), "missing")
	if !errdefs.IsNotFound(err) {
		t.Fatalf("error = %v, want not found", err)
	}
}

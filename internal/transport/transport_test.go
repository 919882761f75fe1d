package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipcbroker/ipcbroker/internal/engine"
	"github.com/ipcbroker/ipcbroker/internal/wire"
)

func TestInProcessConnEnterLooper(t *testing.T) {
	b := engine.NewBroker(nil, false)
	proc, err := b.NewProcess(64*1024, 0, 4)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	conn := NewInProcessConn(b, proc)
	defer conn.Close()

	read, err := conn.WriteRead(nil)
	if err != nil {
		t.Fatalf("WriteRead: %v", err)
	}
	code, _, err := wire.ReadHeader(read)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if wire.ReturnCode(code) != wire.RetNoop {
		t.Errorf("code = %v, want RetNoop", wire.ReturnCode(code))
	}
}

func TestUnixServeAndDial(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "broker.sock")

	b := engine.NewBroker(nil, false)
	srv := NewServer(b, 64*1024, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, sockPath) }()

	waitForSocket(t, sockPath)

	conn, err := Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	read, err := conn.WriteRead(nil)
	if err != nil {
		t.Fatalf("WriteRead: %v", err)
	}
	code, _, err := wire.ReadHeader(read)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if wire.ReturnCode(code) != wire.RetNoop {
		t.Errorf("code = %v, want RetNoop", wire.ReturnCode(code))
	}

	if conn.Version() != ProtocolVersion {
		t.Errorf("Version() = %d, want %d", conn.Version(), ProtocolVersion)
	}
	if conn.Poll() {
		t.Error("Poll() = true on an idle worker with nothing queued")
	}
	conn.SetMaxThreads(8)
	conn.Flush()

	cancel()
	srv.Close()
}

func TestInProcessConnLifecycleOps(t *testing.T) {
	b := engine.NewBroker(nil, false)
	proc, err := b.NewProcess(64*1024, 0, 4)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	conn := NewInProcessConn(b, proc)
	defer conn.Close()

	if conn.Version() != ProtocolVersion {
		t.Errorf("Version() = %d, want %d", conn.Version(), ProtocolVersion)
	}
	if conn.Poll() {
		t.Error("Poll() = true on an idle worker with nothing queued")
	}
	conn.SetMaxThreads(2)
	conn.Flush()
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

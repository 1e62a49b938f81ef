package service

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/soulrelay/soulrelay/internal/registry"
	"github.com/soulrelay/soulrelay/internal/relayerr"
	"github.com/soulrelay/soulrelay/internal/token"
)

type fakeHub struct {
	fileInfoExists bool
	fileInfoSize   int64
	fileInfoErr    error

	uploadFailCh chan error
	uploadErr    error

	notifyErr error
	notified  struct {
		agent, filename string
		tok             uuid.UUID
	}
}

func (f *fakeHub) RequestFileInfo(ctx context.Context, agentName, filename string) (bool, int64, error) {
	return f.fileInfoExists, f.fileInfoSize, f.fileInfoErr
}

func (f *fakeHub) RequestFileUpload(agentName, filename string, startOffset int64, tok uuid.UUID) (<-chan error, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return f.uploadFailCh, nil
}

func (f *fakeHub) NotifyFileDownloadCompleted(agentName, filename string, tok uuid.UUID) error {
	f.notified.agent, f.notified.filename, f.notified.tok = agentName, filename, tok
	return f.notifyErr
}

type closingReader struct {
	io.Reader
	closed bool
}

func (c *closingReader) Close() error { c.closed = true; return nil }

func newTestService(t *testing.T) (*Service, *registry.Registry, *fakeHub) {
	t.Helper()
	reg := registry.New()
	reg.ReplaceAll([]registry.AgentConfig{{Name: "alice"}})
	reg.Bind("alice", &noopSession{})
	reg.SetCatalog("alice", &staticCatalog{files: map[string]bool{"song.mp3": true}})

	hub := &fakeHub{uploadFailCh: make(chan error, 1)}
	tokens := token.New(time.Minute)
	return New(hub, reg, tokens), reg, hub
}

type noopSession struct{}

func (noopSession) Close(reason string) error { return nil }

type staticCatalog struct {
	files map[string]bool
}

func (c *staticCatalog) Lookup(virtualFilename string) bool { return c.files[virtualFilename] }
func (c *staticCatalog) RegisteredAt() int64                { return 1 }

func TestObtainFileInfoDelegatesToHub(t *testing.T) {
	svc, _, hub := newTestService(t)
	hub.fileInfoExists = true
	hub.fileInfoSize = 999

	exists, size, err := svc.ObtainFileInfo(context.Background(), "song.mp3")
	if err != nil {
		t.Fatalf("ObtainFileInfo: %v", err)
	}
	if !exists || size != 999 {
		t.Fatalf("expected exists=true size=999, got exists=%v size=%d", exists, size)
	}
}

func TestObtainFileInfoUnknownFileFailsFast(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, _, err := svc.ObtainFileInfo(context.Background(), "missing.mp3"); err == nil {
		t.Fatal("expected ObtainFileInfo to fail when no agent advertises the file")
	}
}

func TestObtainStreamResolvesOnArrival(t *testing.T) {
	svc, _, _ := newTestService(t)

	resultCh := make(chan struct {
		handle *StreamHandle
		err    error
	}, 1)
	go func() {
		h, err := svc.ObtainStream(context.Background(), "song.mp3", 0)
		resultCh <- struct {
			handle *StreamHandle
			err    error
		}{h, err}
	}()

	// Give ObtainStream time to register its promise before delivering arrival.
	time.Sleep(20 * time.Millisecond)

	svc.mu.Lock()
	var tok uuid.UUID
	for k := range svc.promises {
		tok = k
	}
	svc.mu.Unlock()

	body := &closingReader{Reader: strings.NewReader("payload")}
	arrivalDone := make(chan error, 1)
	go func() {
		arrivalDone <- svc.HandleStreamArrival(context.Background(), tok, body)
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("ObtainStream: %v", res.err)
		}
		data, err := io.ReadAll(res.handle.Body)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if string(data) != "payload" {
			t.Fatalf("unexpected body: %q", data)
		}
		res.handle.Release(nil)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ObtainStream")
	}

	select {
	case err := <-arrivalDone:
		if err != nil {
			t.Fatalf("HandleStreamArrival: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for HandleStreamArrival to unblock after Release")
	}
}

func TestObtainStreamFailsWhenAgentRejects(t *testing.T) {
	svc, _, hub := newTestService(t)
	hub.uploadFailCh <- relayerr.New(relayerr.Internal, "agent reported upload failure")

	_, err := svc.ObtainStream(context.Background(), "song.mp3", 0)
	if err == nil {
		t.Fatal("expected ObtainStream to fail when the agent reports a rejection")
	}
}

func TestHandleStreamArrivalUnknownTokenFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	body := &closingReader{Reader: strings.NewReader("x")}
	if err := svc.HandleStreamArrival(context.Background(), uuid.New(), body); err == nil {
		t.Fatal("expected HandleStreamArrival to fail for a token nobody is waiting on")
	}
}

func TestPushCompletedDownloadNotifiesHub(t *testing.T) {
	svc, _, hub := newTestService(t)
	if err := svc.PushCompletedDownload("alice", "song.mp3"); err != nil {
		t.Fatalf("PushCompletedDownload: %v", err)
	}
	if hub.notified.agent != "alice" || hub.notified.filename != "song.mp3" {
		t.Fatalf("unexpected notification: %+v", hub.notified)
	}
}

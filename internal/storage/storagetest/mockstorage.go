// Package storagetest provides an in-memory storage.Capability shared by
// the test suites, so each package doesn't hand-roll its own fake.
package storagetest

import (
	"context"
	"sync"
	"time"

	"github.com/uplo-tech/errors"

	"github.com/televybackup/televybackup/internal/storage"
)

// Mock is an in-memory Capability implementation used across the core's
// test suites in place of a real MTProto helper.
type Mock struct {
	mu         sync.Mutex
	docs       map[string][]byte
	pinned     map[string]storage.ObjectID
	nextDocID  int
	ChatChan   chan storage.ChatRef
	DenyPin    bool
	FailPeers  map[string]bool
}

// NewMock returns an empty Mock store.
func NewMock() *Mock {
	return &Mock{
		docs:      make(map[string][]byte),
		pinned:    make(map[string]storage.ObjectID),
		FailPeers: make(map[string]bool),
	}
}

// UploadDocument stores data under a freshly minted tgmtproto:v1: id.
func (m *Mock) UploadDocument(ctx context.Context, peer string, data []byte, progress func(sent int64)) (storage.ObjectID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPeers[peer] {
		return storage.ObjectID{}, errors.New("mock: upload_document failed for " + peer)
	}
	m.nextDocID++
	id := storage.ObjectID{Kind: storage.KindMTProto, Peer: peer, MsgID: itoa(m.nextDocID), DocID: itoa(m.nextDocID), AccessHash: "mockhash"}
	key := id.String()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.docs[key] = buf
	if progress != nil {
		progress(int64(len(data)))
	}
	return id, nil
}

// DownloadDocument returns the bytes previously uploaded under id.
func (m *Mock) DownloadDocument(ctx context.Context, id storage.ObjectID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.docs[id.String()]
	if !ok {
		return nil, errors.New("mock: object not found: " + id.String())
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// SetPinnedObjectID pins id for peer, unless DenyPin simulates a
// permission-denied chat.
func (m *Mock) SetPinnedObjectID(ctx context.Context, peer string, id storage.ObjectID) error {
	if m.DenyPin {
		return storage.ErrPinForbidden
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[peer] = id
	return nil
}

// GetPinnedObjectID returns peer's pinned object, if any.
func (m *Mock) GetPinnedObjectID(ctx context.Context, peer string) (storage.ObjectID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.pinned[peer]
	return id, ok, nil
}

// Validate performs a real round trip against the mock's own storage.
func (m *Mock) Validate(ctx context.Context, peer string) error {
	id, err := m.UploadDocument(ctx, peer, []byte("validate-probe"), nil)
	if err != nil {
		return err
	}
	data, err := m.DownloadDocument(ctx, id)
	if err != nil {
		return err
	}
	if string(data) != "validate-probe" {
		return errors.New("mock: round trip mismatch")
	}
	return nil
}

// WaitChat returns the next queued storage.ChatRef from ChatChan, or times out.
func (m *Mock) WaitChat(ctx context.Context, endpointID string, timeout time.Duration) (storage.ChatRef, error) {
	select {
	case ref := <-m.ChatChan:
		return ref, nil
	case <-time.After(timeout):
		return storage.ChatRef{}, errors.New("mock: wait_chat timed out")
	case <-ctx.Done():
		return storage.ChatRef{}, ctx.Err()
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Package session implements a file-backed tdsession.Storage for the
// archiver's single MTProto session, plus an optional callback fired after
// every successful store (the client adapter wires this to its
// connection.Monitor so a fresh session write marks the link connected).
package session

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/archivist/tgarchiver/internal/infra/storage"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"
)

// FileStorage implements tdsession.Storage over a plain file with atomic
// writes. OnStore, if set, is called after every successful StoreSession.
type FileStorage struct {
	Path    string
	OnStore func()

	mux sync.Mutex
}

var _ tdsession.Storage = (*FileStorage)(nil)

func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}

	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}

	if f.OnStore != nil {
		f.OnStore()
	}
	return nil
}

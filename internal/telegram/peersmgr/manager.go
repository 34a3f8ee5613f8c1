// Package peersmgr is the archiver's read-through peer cache: a gotd
// peers.Manager backed by a persistent bbolt store. Access hashes seen in
// live updates are applied to the manager and survive restarts; the one
// in-memory overlay (resolved channel input peers) is explicit and is
// invalidated by discovery at the end of every reconciliation pass.
package peersmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/archivist/tgarchiver/internal/telegram"

	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
)

const (
	peersBucketName             = "peers"
	dbOpenTimeout               = time.Second
	dbFileMode      os.FileMode = 0o600
)

var peersBucketBytes = []byte(peersBucketName)

// Service couples the in-memory peers.Manager with its bbolt persistence
// and a small resolved-channel overlay.
type Service struct {
	db    *bbolt.DB
	store contribstorage.PeerStorage
	Mgr   *peers.Manager

	mu       sync.RWMutex
	channels map[int64]*tg.InputPeerChannel // bare channel id -> resolved input peer
}

// New opens (or creates) the cache database at dbPath. The peer manager
// is built later by BindAPI, once the Telegram client exists — the client
// itself needs the storage first, to hook peer persistence into update
// handling. No network calls happen here.
func New(dbPath string) (*Service, error) {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		return nil, errors.New("peersmgr: db path is empty")
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("peersmgr: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("peersmgr: open db: %w", err)
	}

	return &Service{
		db:       db,
		store:    bboltdb.NewPeerStorage(db, peersBucketBytes),
		channels: make(map[int64]*tg.InputPeerChannel),
	}, nil
}

// BindAPI builds the in-memory peer manager over the client's API. Must
// be called once before LoadFromStorage/WarmupIfEmpty/InputPeerChannel.
func (s *Service) BindAPI(api *tg.Client) {
	s.Mgr = (peers.Options{}).Build(api)
}

// Close closes the cache database.
func (s *Service) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Store exposes the persistent peer storage so the client layer can hook
// it into update handling.
func (s *Service) Store() contribstorage.PeerStorage {
	return s.store
}

// ApplyEntities feeds the users and chats attached to an update batch into
// the manager, keeping cached access hashes current. Called by the
// listener for every dispatched update.
func (s *Service) ApplyEntities(ctx context.Context, entities tg.Entities) error {
	if len(entities.Users) == 0 && len(entities.Chats) == 0 {
		return nil
	}

	users := make([]tg.UserClass, 0, len(entities.Users))
	for _, u := range entities.Users {
		if u != nil {
			users = append(users, u)
		}
	}

	chats := make([]tg.ChatClass, 0, len(entities.Chats))
	for _, ch := range entities.Chats {
		if ch != nil {
			chats = append(chats, ch)
		}
	}

	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, chats)
}

// InputPeerChannel resolves a bare channel id to an input peer, serving
// repeat lookups from the overlay until discovery invalidates them.
func (s *Service) InputPeerChannel(ctx context.Context, channelID int64) (*tg.InputPeerChannel, error) {
	s.mu.RLock()
	cached, ok := s.channels[channelID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	ch, err := s.Mgr.ResolveChannelID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("peersmgr: resolve channel %d: %w", channelID, err)
	}
	input, ok := ch.InputPeer().(*tg.InputPeerChannel)
	if !ok {
		return nil, fmt.Errorf("peersmgr: channel %d resolved to %T", channelID, ch.InputPeer())
	}

	s.mu.Lock()
	s.channels[channelID] = input
	s.mu.Unlock()
	return input, nil
}

// InvalidateChannel evicts a channel from the overlay so the next lookup
// re-resolves it. Accepts either the marked or the bare id form.
func (s *Service) InvalidateChannel(channelID int64) {
	channelID = telegram.BareChannelID(channelID)
	s.mu.Lock()
	delete(s.channels, channelID)
	s.mu.Unlock()
}

// LoadFromStorage replays the persisted peers into the in-memory manager
// at startup. A corrupt store (old format, torn write) is reset rather
// than treated as fatal — it only costs a re-warmup.
func (s *Service) LoadFromStorage(ctx context.Context) error {
	iter, exists, err := s.iterateStoredPeers(ctx)
	if err != nil {
		if isJSONUnmarshalError(err) {
			_ = s.resetPeersBucket()
			return nil
		}
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if !exists {
		return nil
	}
	defer func() {
		_ = iter.Close()
	}()

	users := make([]tg.UserClass, 0)
	chats := make([]tg.ChatClass, 0)

	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			user := value.User
			if user == nil {
				user = &tg.User{
					ID:         value.Key.ID,
					AccessHash: value.Key.AccessHash,
				}
			}
			users = append(users, user)
		case dialogs.Chat:
			chat := value.Chat
			if chat == nil {
				chat = &tg.Chat{ID: value.Key.ID}
			}
			chats = append(chats, chat)
		case dialogs.Channel:
			channel := value.Channel
			if channel == nil {
				channel = &tg.Channel{
					ID:         value.Key.ID,
					AccessHash: value.Key.AccessHash,
				}
			}
			chats = append(chats, channel)
		}
	}

	if err = iter.Err(); err != nil {
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, chats)
}

// WarmupIfEmpty fetches the full dialog list once when the persistent
// cache has nothing in it — a fresh session cannot resolve any peer until
// Telegram has been asked at least once.
func (s *Service) WarmupIfEmpty(ctx context.Context, api *tg.Client) error {
	has, err := s.hasStoredPeers()
	if err == nil && has {
		return nil
	}

	fetched, err := fetchDialogs(ctx, api)
	if err != nil {
		return fmt.Errorf("peersmgr: warmup: %w", err)
	}
	if err := s.Mgr.Apply(ctx, fetched.Users, fetched.Chats); err != nil {
		return fmt.Errorf("peersmgr: warmup apply: %w", err)
	}
	s.persistEntities(ctx, fetched.Users, fetched.Chats)
	return nil
}

// persistEntities writes resolved users/chats/channels into the bbolt
// store so a restart does not need another warmup. Per-entity failures
// are skipped — the store is a cache, not a source of truth.
func (s *Service) persistEntities(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) {
	for _, uc := range users {
		user, ok := uc.(*tg.User)
		if !ok {
			continue
		}
		var p contribstorage.Peer
		if !p.FromUser(user) {
			continue
		}
		_ = s.store.Add(ctx, p)
	}
	for _, cc := range chats {
		var p contribstorage.Peer
		if !p.FromChat(cc) {
			continue
		}
		_ = s.store.Add(ctx, p)
	}
}

// hasStoredPeers reports whether the peers bucket holds at least one key.
func (s *Service) hasStoredPeers() (bool, error) {
	has := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(peersBucketBytes); bucket != nil {
			k, _ := bucket.Cursor().First()
			has = k != nil
		}
		return nil
	})
	return has, err
}

func (s *Service) iterateStoredPeers(ctx context.Context) (contribstorage.PeerIterator, bool, error) {
	exists := false
	if err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(peersBucketBytes) != nil
		return nil
	}); err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	iter, err := s.store.Iterate(ctx)
	if err != nil {
		return nil, false, err
	}
	return iter, true, nil
}

func isJSONUnmarshalError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	return strings.Contains(err.Error(), "json:")
}

func (s *Service) resetPeersBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(peersBucketBytes); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(peersBucketBytes)
		return err
	})
}

package importpipeline

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/archivist/tgarchiver/internal/infra/logger"
)

const (
	// Telegram dialog-filter ids live in 2..255; 0/1 are reserved.
	folderIDMin = 2
	folderIDMax = 255

	// folderPeerCap is Telegram's limit on a folder's include-list.
	folderPeerCap = 100
)

// FolderManager creates and updates Telegram dialog filters (folders) so
// joined channels land in the folder discovery watches.
type FolderManager struct {
	api *tg.Client
	log *zap.SugaredLogger
}

func NewFolderManager(api *tg.Client) *FolderManager {
	return &FolderManager{api: api, log: logger.Component("import")}
}

// EnsureChannelInFolder adds peer to the include-list of the folder named
// folderName, creating the folder (with the next free id) if it does not
// exist. Adding a peer already present is a no-op.
func (f *FolderManager) EnsureChannelInFolder(ctx context.Context, folderName string, peer *tg.InputPeerChannel) error {
	resp, err := f.api.MessagesGetDialogFilters(ctx)
	if err != nil {
		return errors.Wrap(err, "messages.getDialogFilters")
	}

	var (
		target  *tg.DialogFilter
		usedIDs []int
	)
	want := strings.ToLower(strings.TrimSpace(folderName))
	for _, fc := range resp.Filters {
		filter, ok := fc.(*tg.DialogFilter)
		if !ok {
			continue
		}
		usedIDs = append(usedIDs, filter.ID)
		if strings.ToLower(strings.TrimSpace(filter.Title.Text)) == want {
			target = filter
		}
	}

	if target == nil {
		id, err := nextFreeFolderID(usedIDs)
		if err != nil {
			return err
		}
		created := &tg.DialogFilter{
			ID:           id,
			Title:        tg.TextWithEntities{Text: folderName},
			IncludePeers: []tg.InputPeerClass{peer},
		}
		req := &tg.MessagesUpdateDialogFilterRequest{ID: id}
		req.SetFilter(created)
		if _, err := f.api.MessagesUpdateDialogFilter(ctx, req); err != nil {
			return errors.Wrap(err, "create dialog filter")
		}
		f.log.Infof("created folder %q id=%d", folderName, id)
		return nil
	}

	if containsPeer(target.IncludePeers, peer) {
		return nil
	}
	if len(target.IncludePeers) >= folderPeerCap {
		return errors.Errorf("folder %q is full (%d peers)", folderName, folderPeerCap)
	}

	target.IncludePeers = append(target.IncludePeers, peer)
	req := &tg.MessagesUpdateDialogFilterRequest{ID: target.ID}
	req.SetFilter(target)
	if _, err := f.api.MessagesUpdateDialogFilter(ctx, req); err != nil {
		return errors.Wrap(err, "update dialog filter")
	}
	return nil
}

// nextFreeFolderID returns the lowest unused dialog-filter id in 2..255.
func nextFreeFolderID(used []int) (int, error) {
	taken := make(map[int]struct{}, len(used))
	for _, id := range used {
		taken[id] = struct{}{}
	}
	for id := folderIDMin; id <= folderIDMax; id++ {
		if _, ok := taken[id]; !ok {
			return id, nil
		}
	}
	return 0, errors.New("no free dialog filter id in 2..255")
}

func containsPeer(peers []tg.InputPeerClass, want *tg.InputPeerChannel) bool {
	for _, p := range peers {
		if ch, ok := p.(*tg.InputPeerChannel); ok && ch.ChannelID == want.ChannelID {
			return true
		}
	}
	return false
}

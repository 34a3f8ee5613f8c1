// Package client constructs the archiver's single gotd/td MTProto client:
// session storage, update-state storage, flood-wait middleware, and the
// device fingerprint every service shares. Every other Telegram-facing
// package (peersmgr, discovery, backfill, listener, processor, import
// pipeline) is handed the resulting *telegram.Client/API rather than building
// one itself — there is exactly one session per archiver process.
package client

import (
	"context"
	"fmt"

	"github.com/archivist/tgarchiver/internal/infra/config"
	"github.com/archivist/tgarchiver/internal/telegram/auth"
	"github.com/archivist/tgarchiver/internal/telegram/connection"
	"github.com/archivist/tgarchiver/internal/telegram/session"

	"github.com/go-faster/errors"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	tgauth "github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/tg"
)

// Client bundles the gotd/td network client, its thin RPC surface, the
// update manager feeding it a dispatcher, and the connection monitor that
// lets long-running workers wait out a dropped link instead of erroring out.
type Client struct {
	Raw        *telegram.Client
	API        *tg.Client
	Dispatcher *tg.UpdateDispatcher
	Updates    *tgupdates.Manager
	Monitor    *connection.Monitor
	Waiter     *floodwait.Waiter

	selfID int64
}

// New builds a Client from the archiver's configuration. Construction does
// not contact Telegram; call Run to open the connection and log in.
// peerStore, when non-nil, is hooked into update handling so every peer
// seen in an update is persisted before dispatch.
func New(cfg *config.Config, peerStore contribstorage.PeerStorage) (*Client, error) {
	dispatcher := tg.NewUpdateDispatcher()

	updMgr := tgupdates.New(tgupdates.Config{
		Handler: &dispatcher,
		Storage: NewFileStorage(cfg.SessionFile + ".state.json"),
	})

	var updateHandler telegram.UpdateHandler = updMgr
	if peerStore != nil {
		updateHandler = contribstorage.UpdateHook(updMgr, peerStore)
	}

	c := &Client{
		Dispatcher: &dispatcher,
		Updates:    updMgr,
	}

	sessionStore := &session.FileStorage{
		Path:    cfg.SessionFile,
		OnStore: func() { c.Monitor.MarkConnected() },
	}

	waiter := floodwait.NewWaiter().WithMaxRetries(1) // throttle package owns the long-horizon retry policy; one gotd-level retry just avoids losing the call on a race with MarkDisconnected

	options := telegram.Options{
		SessionStorage: sessionStore,
		UpdateHandler:  updateHandler,
		Middlewares: []telegram.Middleware{
			updhook.UpdateHook(updMgr.Handle),
			waiter,
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "tgarchiver",
			SystemVersion: "linux",
			AppVersion:    "1.0.0",
		},
		OnDead: func() { c.Monitor.MarkDisconnected() },
	}
	if cfg.TestDC {
		options.DCList = dcs.Test()
	}

	raw := telegram.NewClient(cfg.APIID, cfg.APIHash, options)
	c.Raw = raw
	c.API = raw.API()
	c.Waiter = waiter
	c.Monitor = connection.NewMonitor(context.Background(), raw)

	return c, nil
}

// Run logs in (interactively, the first time) and invokes fn with a context
// valid for the lifetime of the MTProto connection. It blocks until fn
// returns, the connection fails, or ctx is canceled.
func (c *Client) Run(ctx context.Context, phoneNumber string, fn func(ctx context.Context) error) error {
	return c.Waiter.Run(ctx, func(ctx context.Context) error {
		return c.Raw.Run(ctx, func(ctx context.Context) error {
			if err := c.login(ctx, phoneNumber); err != nil {
				return errors.Wrap(err, "login")
			}
			return fn(ctx)
		})
	})
}

func (c *Client) login(ctx context.Context, phoneNumber string) error {
	status, err := c.Raw.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if !status.Authorized {
		flow := tgauth.NewFlow(
			auth.TerminalAuthenticator{PhoneNumber: phoneNumber},
			tgauth.SendCodeOptions{},
		)
		if err := c.Raw.Auth().IfNecessary(ctx, flow); err != nil {
			return errors.Wrap(err, "auth flow")
		}
	}

	self, err := c.Raw.Self(ctx)
	if err != nil {
		return fmt.Errorf("self: %w", err)
	}
	c.selfID = self.ID
	return nil
}

// SelfID returns the authorized account's user id. Valid only after Run has
// reached the login step at least once.
func (c *Client) SelfID() int64 { return c.selfID }

// RunUpdates starts the update manager loop. Meant to run as its own
// lifecycle.Manager node so discovery/backfill/listener have a live
// dispatcher before they register handlers.
func (c *Client) RunUpdates(ctx context.Context) error {
	return c.Updates.Run(ctx, c.API, c.selfID, tgupdates.AuthOptions{Forget: false})
}

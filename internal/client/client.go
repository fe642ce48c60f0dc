package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"treesync/api/internal/config"
	"treesync/api/internal/protocol"
	"treesync/api/internal/util"
)

const revertTimeout = 10 * time.Second

var (
	ErrRevertTimeout  = errors.New("revert timed out")
	ErrRevertPending  = errors.New("a revert of this file is already pending")
	ErrRevertRejected = errors.New("revert rejected")
)

type Options struct {
	Config    config.ClientConfig
	Scheduler Scheduler
	Logger    *zap.Logger

	OnChange      func()
	OnStatus      func(Status)
	OnAuthFailure func(error)
}

type revertOutcome struct {
	reverted protocol.FileReverted
	err      error
}

// Client ties a Manager to a Reconciler: server events feed the tree and
// every (re)connect resynchronizes it.
type Client struct {
	manager   *Manager
	tree      *Reconciler
	logger    *zap.Logger
	sessionID string

	mu      sync.Mutex
	reverts map[string]chan revertOutcome
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := opts.Config.SessionID
	if sessionID == "" {
		sessionID = util.NewSessionID()
	}

	c := &Client{logger: logger, sessionID: sessionID, reverts: map[string]chan revertOutcome{}}
	c.manager = NewManager(ManagerOptions{
		URL:           opts.Config.ServerURL,
		Token:         opts.Config.Token,
		SessionID:     sessionID,
		Keepalive:     KeepaliveFromConfig(opts.Config.Keepalive),
		Backoff:       BackoffFromConfig(opts.Config.Reconnect),
		Scheduler:     opts.Scheduler,
		Logger:        logger,
		OnMessage:     c.handle,
		OnStatus:      opts.OnStatus,
		OnConnected:   c.resync,
		OnReconnected: func() { logger.Info("reconnected") },
		OnAuthFailure: opts.OnAuthFailure,
	})
	c.tree = NewReconciler(c.manager, opts.Config.OrganizationID, sessionID, opts.OnChange)
	return c
}

func (c *Client) Start(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

func (c *Client) Close() error {
	return c.manager.Close()
}

func (c *Client) Tree() *Reconciler {
	return c.tree
}

func (c *Client) SessionID() string {
	return c.sessionID
}

func (c *Client) Status() Status {
	return c.manager.Status()
}

func (c *Client) resync() {
	c.tree.Resync()
}

func (c *Client) handle(event protocol.Event) {
	switch ev := event.(type) {
	case protocol.FileReverted:
		if ev.SessionID == "" || ev.SessionID == c.sessionID {
			c.settleRevert(ev.ID, revertOutcome{reverted: ev})
		}
	case protocol.FileRevertError:
		c.settleRevert(ev.ID, revertOutcome{err: fmt.Errorf("%w: %s", ErrRevertRejected, ev.Error)})
	}
	c.tree.Apply(event)
}

func (c *Client) settleRevert(fileID string, outcome revertOutcome) {
	c.mu.Lock()
	ch, ok := c.reverts[fileID]
	if ok {
		delete(c.reverts, fileID)
	}
	c.mu.Unlock()
	if ok {
		ch <- outcome
	}
}

// RevertFile asks the server to restore version and waits for the outcome.
func (c *Client) RevertFile(ctx context.Context, fileID string, version int) (protocol.FileReverted, error) {
	ch := make(chan revertOutcome, 1)
	c.mu.Lock()
	if _, busy := c.reverts[fileID]; busy {
		c.mu.Unlock()
		return protocol.FileReverted{}, ErrRevertPending
	}
	c.reverts[fileID] = ch
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		if c.reverts[fileID] == ch {
			delete(c.reverts, fileID)
		}
		c.mu.Unlock()
	}

	sent := c.manager.Send(protocol.RevertFileVersion{
		Type:           protocol.TypeRevertFileVersion,
		Path:           fileID,
		Version:        version,
		OrganizationID: c.tree.OrganizationID(),
	})
	if !sent {
		release()
		return protocol.FileReverted{}, ErrNotConnected
	}

	timer := time.NewTimer(revertTimeout)
	defer timer.Stop()
	select {
	case outcome := <-ch:
		return outcome.reverted, outcome.err
	case <-timer.C:
		release()
		return protocol.FileReverted{}, ErrRevertTimeout
	case <-ctx.Done():
		release()
		return protocol.FileReverted{}, ctx.Err()
	}
}

package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bcnelson/addrsync/internal/config"
	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/extractor"
	"github.com/bcnelson/addrsync/internal/firewall"
	"github.com/bcnelson/addrsync/internal/inventory"
	"github.com/bcnelson/addrsync/internal/reconciler"
)

// InventorySession is an inventory manager connection held for one pass.
type InventorySession interface {
	extractor.Inventory
	io.Closer
}

// FirewallSession is a firewall connection held for one pass.
type FirewallSession interface {
	reconciler.Firewall
	io.Closer
}

// Connector opens per-pass sessions to managers and targets. Sessions are
// released by the caller when the pass ends.
type Connector interface {
	OpenInventory(ctx context.Context, mgr domain.Manager) (InventorySession, error)
	OpenFirewall(ctx context.Context, target domain.Target) (FirewallSession, error)
}

type clientConnector struct {
	cfg *config.Config
	log zerolog.Logger

	// Shim files are shared so concurrent passes serialize on one mutex.
	mu    sync.Mutex
	shims map[string]*firewall.FileShim
}

// NewConnector returns a Connector that talks to the real APIs, or to the
// file shims when INVENTORY_FILE_SHIM / FIREWALL_FILE_SHIM are set.
func NewConnector(cfg *config.Config, logger zerolog.Logger) Connector {
	return &clientConnector{
		cfg:   cfg,
		log:   logger,
		shims: make(map[string]*firewall.FileShim),
	}
}

func (c *clientConnector) OpenInventory(ctx context.Context, mgr domain.Manager) (InventorySession, error) {
	if c.cfg.UseInventoryShim() {
		shim, err := inventory.NewFileShim(c.cfg.Inventory.FileShim, mgr.Name, c.log)
		if err != nil {
			return nil, fmt.Errorf("opening inventory shim for %s: %w", mgr.Name, err)
		}
		return shim, nil
	}
	inv := c.cfg.Inventory
	return inventory.New(ctx, mgr.URL, inventory.Options{
		Username:     inv.Username,
		Password:     inv.Password,
		ClientID:     inv.ClientID,
		ClientSecret: inv.ClientSecret,
		TokenURL:     inv.TokenURL,
		Timeout:      inv.Timeout,
		InsecureTLS:  inv.InsecureTLS,
	}, c.log), nil
}

func (c *clientConnector) OpenFirewall(_ context.Context, target domain.Target) (FirewallSession, error) {
	if c.cfg.UseFirewallShim() {
		return c.shim(filepath.Join(c.cfg.Firewall.FileShim, target.Name+".json")), nil
	}
	fw := c.cfg.Firewall
	return firewall.New(target.URL, firewall.Options{
		Token:       fw.Token,
		Timeout:     fw.Timeout,
		InsecureTLS: fw.InsecureTLS,
	}, c.log), nil
}

func (c *clientConnector) shim(path string) *firewall.FileShim {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.shims[path]
	if !ok {
		s = firewall.NewFileShim(path, c.log)
		c.shims[path] = s
	}
	return s
}

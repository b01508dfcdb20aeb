package runner

import (
	"fmt"
	"sync"

	"github.com/hupe1980/supportmesh/core"
)

// ErrUnknownChatbot is returned when no package is deployed for a chatbot.
var ErrUnknownChatbot = fmt.Errorf("chatbot %w", core.ErrNotFound)

// Catalog maps tenant chatbots to their deployed package.
type Catalog struct {
	mu       sync.RWMutex
	packages map[string]*core.PackageDefinition // by package id
	deployed map[[2]string]string               // (tenant, chatbot) -> package id
}

// NewCatalog creates a catalog holding pkgs.
func NewCatalog(pkgs ...*core.PackageDefinition) *Catalog {
	c := &Catalog{packages: map[string]*core.PackageDefinition{}, deployed: map[[2]string]string{}}
	for _, p := range pkgs {
		c.Add(p)
	}
	return c
}

// Add registers or replaces a package.
func (c *Catalog) Add(pkg *core.PackageDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packages[pkg.ID] = pkg
}

// Deploy binds a tenant chatbot to a registered package.
func (c *Catalog) Deploy(tenantID, chatbotID, packageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.packages[packageID]; !ok {
		return fmt.Errorf("package %s %w", packageID, core.ErrNotFound)
	}
	c.deployed[[2]string{tenantID, chatbotID}] = packageID
	return nil
}

// Package returns the package deployed for the chatbot.
func (c *Catalog) Package(tenantID, chatbotID string) (*core.PackageDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.deployed[[2]string{tenantID, chatbotID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownChatbot, tenantID, chatbotID)
	}
	return c.packages[id], nil
}

// Packages lists the registered packages.
func (c *Catalog) Packages() []*core.PackageDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*core.PackageDefinition, 0, len(c.packages))
	for _, p := range c.packages {
		out = append(out, p)
	}
	return out
}

// Package deviceid keeps the OpenRosa deviceID of this installation.
package deviceid

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/getodk/collect-sub021/internal/repositories/metadata"
	"github.com/google/uuid"
)

const (
	metadataKey = "device_id"
	prefix      = "collect:"
)

// Provider generates the id on first use and persists it in the metadata
// store.
type Provider struct {
	repo metadata.Repository

	mu sync.Mutex
	id string
}

func New(repo metadata.Repository) *Provider {
	return &Provider{repo: repo}
}

func (p *Provider) DeviceID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id != "" {
		return p.id, nil
	}

	stored, err := p.repo.Get(ctx, metadataKey)
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	if len(stored) > 0 {
		p.id = string(stored)
		return p.id, nil
	}

	id := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	if err := p.repo.Set(ctx, metadataKey, []byte(id)); err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	p.id = id
	return id, nil
}

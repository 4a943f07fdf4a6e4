package discovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/redcloudfiles/redcloud/internal/gossip"
)

// Bootstrapper resolves the metadata-service DNS alias and, for each
// distinct address it finds, issues a list-peers request and a
// self-registration request (§4.4 bootstrap).
type Bootstrapper struct {
	resolver  *Resolver
	transport gossip.Transport
	registry  *gossip.Registry
	self      gossip.PeerInfo
	logger    zerolog.Logger
	deadline  time.Duration
}

// NewBootstrapper builds a Bootstrapper for the given self-identity.
func NewBootstrapper(resolver *Resolver, transport gossip.Transport, registry *gossip.Registry, self gossip.PeerInfo, logger zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{resolver: resolver, transport: transport, registry: registry, self: self, logger: logger, deadline: 10 * time.Second}
}

// Run resolves alias and bootstraps against every distinct address found.
// It never fails hard on an individual peer error — one unreachable
// address must not block bootstrap against the others returned by DNS
// round robin.
func (b *Bootstrapper) Run(ctx context.Context, alias string) error {
	addrs, err := b.resolver.Resolve(ctx, alias)
	if err != nil {
		return err
	}

	for _, addr := range addrs {
		if addr == b.self.Address {
			continue
		}
		b.bootstrapAgainst(ctx, addr)
	}
	return nil
}

func (b *Bootstrapper) bootstrapAgainst(ctx context.Context, addr string) {
	callCtx, cancel := context.WithTimeout(ctx, b.deadline)
	defer cancel()

	listResp, err := b.transport.ListPeers(callCtx, addr)
	if err != nil {
		b.logger.Warn().Err(err).Str("address", addr).Msg("bootstrap list-peers failed")
	} else {
		now := time.Now()
		b.registry.Upsert(listResp.Self.ID, listResp.Self.Address, now)
		for _, p := range listResp.Peers {
			if p.ID == b.self.ID {
				continue
			}
			b.registry.Upsert(p.ID, p.Address, now)
		}
	}

	// Self-registration MUST be appended to the receiving peer's gossip
	// log so it propagates to every MN (§4.4) — RegisterPeer on the
	// receiving side is responsible for that append; the bootstrapper
	// just issues the request.
	if _, err := b.transport.RegisterPeer(callCtx, addr, gossip.RegisterPeerRequest{ID: b.self.ID, Address: b.self.Address}); err != nil {
		b.logger.Warn().Err(err).Str("address", addr).Msg("bootstrap self-registration failed")
	}
}

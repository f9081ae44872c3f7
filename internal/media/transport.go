// Package media defines the boundary to the raw audio/video transport.
// The routing layer only exchanges opaque peer addresses through the
// record store; dialing, codecs and the signaling handshake live behind
// this interface and are out of scope here.
//
// This is client-side library code: operator and kiosk frontends embed
// a Transport and dial the roster they receive from the conference
// endpoints. The server never opens media links, so nothing under
// cmd/api constructs one; Loopback stands in for a real transport in
// tests and single-process experiments.
package media

import (
	"context"
	"errors"
	"log/slog"
)

var ErrPeerUnreachable = errors.New("media: peer unreachable")

// Transport is one client's media endpoint.
//
// A media failure is reported to the user with a retry affordance and
// never ends the call record: the assigned operator relationship
// survives a media retry.
type Transport interface {
	// PublishAddress returns the address other peers dial to reach
	// this endpoint. Stable for the lifetime of the endpoint.
	PublishAddress() string

	// Connect dials a remote peer's published address.
	Connect(ctx context.Context, peerAddress string) error

	// Disconnect tears down the link to one peer. Idempotent.
	Disconnect(peerAddress string)
}

// DialRoster connects a transport to every given peer address, skipping
// empty ones and its own. Failures are collected, not fatal: a mesh with
// one dead link still carries the remaining legs, and the caller decides
// whether to retry.
func DialRoster(ctx context.Context, t Transport, addresses []string, log *slog.Logger) []error {
	if log == nil {
		log = slog.Default()
	}
	self := t.PublishAddress()
	var failed []error
	for _, addr := range addresses {
		if addr == "" || addr == self {
			continue
		}
		if err := t.Connect(ctx, addr); err != nil {
			log.Warn("media dial failed", "peer_address", addr, "err", err)
			failed = append(failed, err)
		}
	}
	return failed
}

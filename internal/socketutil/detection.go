// Package socketutil decides which channel kind to use and opens it.
package socketutil

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/inferlink/internal/channel"
	"github.com/codefionn/inferlink/internal/logger"
)

// Mode is the configured transport mode.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeSocket    Mode = "socket"
	ModeHTTP      Mode = "http"
	ModeWebSocket Mode = "websocket"
)

// ParseMode accepts the configured mode; an empty string selects auto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeSocket:
		return ModeSocket, nil
	case ModeHTTP:
		return ModeHTTP, nil
	case ModeWebSocket:
		return ModeWebSocket, nil
	default:
		return "", fmt.Errorf("unknown transport mode %q (want auto, socket, http or websocket)", s)
	}
}

// Plan is the outcome of a selection: the channel kind to try first and,
// for auto mode only, the kind to fall back to when it fails to connect.
type Plan struct {
	Primary  channel.Kind
	Fallback channel.Kind
}

func (p Plan) String() string {
	if p.Fallback == "" {
		return string(p.Primary)
	}
	return fmt.Sprintf("%s (fallback %s)", p.Primary, p.Fallback)
}

// Decide maps the configured mode and platform capability to a plan.
// Forced modes never fall back.
func Decide(mode Mode, supportsSocket bool) Plan {
	switch mode {
	case ModeHTTP:
		return Plan{Primary: channel.KindHTTP}
	case ModeSocket:
		return Plan{Primary: channel.KindSocket}
	case ModeWebSocket:
		return Plan{Primary: channel.KindWebSocket}
	default:
		if supportsSocket {
			return Plan{Primary: channel.KindSocket, Fallback: channel.KindHTTP}
		}
		return Plan{Primary: channel.KindHTTP}
	}
}

// Select decides for the current platform.
func Select(mode Mode) Plan {
	return Decide(mode, SupportsLocalSocket())
}

// SupportsLocalSocket reports whether Unix domain sockets are usable here.
func SupportsLocalSocket() bool {
	return supportsLocalSocket
}

// Factory builds an unconnected channel of the given kind.
type Factory func(kind channel.Kind) channel.Channel

// Open connects the plan's primary channel. If that fails and the plan has
// a fallback, the fallback is connected instead; otherwise the primary's
// error is returned unchanged.
func Open(ctx context.Context, plan Plan, factory Factory, log *logger.Logger) (channel.Channel, error) {
	log = logger.OrGlobal(log)

	primary := factory(plan.Primary)
	err := primary.Connect(ctx)
	if err == nil {
		log.Debug("Using %s channel at %s", primary.Kind(), primary.Endpoint())
		return primary, nil
	}
	primary.Close()

	if plan.Fallback == "" {
		return nil, err
	}
	log.Info("%s channel unavailable (%v), falling back to %s", plan.Primary, err, plan.Fallback)

	fallback := factory(plan.Fallback)
	if err := fallback.Connect(ctx); err != nil {
		fallback.Close()
		return nil, err
	}
	log.Debug("Using %s channel at %s", fallback.Kind(), fallback.Endpoint())
	return fallback, nil
}

// DescribeSocket returns a human-readable status of the socket path for
// diagnostics.
func DescribeSocket(path string) string {
	if path == "" {
		return "Socket path: (not configured)"
	}
	return fmt.Sprintf("Socket path: %s (%s)", path, socketStatus(channel.ExpandPath(path)))
}

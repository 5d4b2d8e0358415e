package api

import (
	"context"
	"log/slog"
)

// AllowlistApplier pushes the union of source allowlists to the host
// firewall. Deployments wire a real applier; the default only logs.
type AllowlistApplier interface {
	Apply(ctx context.Context, cidrs []string) error
}

// LogApplier records the would-be rule set without touching the host.
type LogApplier struct{}

func (LogApplier) Apply(_ context.Context, cidrs []string) error {
	slog.Info("allowlist sync", "cidrs", len(cidrs))
	return nil
}

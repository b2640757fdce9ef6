package secrets

import (
	"context"
	"log/slog"
	"os"
)

// Reloader reloads a Vault each time a signal arrives on its channel,
// normally SIGHUP. It runs as a supervised service.
type Reloader struct {
	vault   *Vault
	signals <-chan os.Signal
}

// NewReloader creates a Reloader for v driven by signals.
func NewReloader(v *Vault, signals <-chan os.Signal) *Reloader {
	return &Reloader{vault: v, signals: signals}
}

// Serve blocks until ctx ends. A failed reload keeps the previous values.
func (r *Reloader) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-r.signals:
			if err := r.vault.Reload(); err != nil {
				slog.Error("secret reload failed", "signal", sig.String(), "error", err)
				continue
			}
			slog.Info("secrets reloaded", "signal", sig.String())
		}
	}
}

func (r *Reloader) String() string { return "secrets-reloader" }

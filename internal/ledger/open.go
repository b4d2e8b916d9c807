package ledger

import (
	"context"
	"fmt"

	"github.com/coldbell/escrow/backend/internal/config"
)

func Open(ctx context.Context, cfg config.LedgerConfig) (Store, error) {
	switch cfg.Driver {
	case config.LedgerDriverMemory, "":
		return NewMemoryStore(), nil
	case config.LedgerDriverPostgres:
		store, err := NewPostgresStore(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
}

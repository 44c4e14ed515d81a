package audit

import (
	"fmt"

	"github.com/ocmt/control-plane/internal/config"
)

// NewStore selects the audit backend from configuration. databaseURL is only
// consulted for the postgres backend.
func NewStore(cfg config.AuditConfig, databaseURL string) (Store, error) {
	switch cfg.Backend {
	case "spanner":
		if cfg.SpannerProjectID == "" || cfg.SpannerInstanceID == "" || cfg.SpannerDatabaseID == "" {
			return nil, fmt.Errorf("spanner configuration incomplete")
		}
		return NewSpannerStore(cfg.SpannerProjectID, cfg.SpannerInstanceID, cfg.SpannerDatabaseID)

	case "postgres":
		if databaseURL == "" {
			return nil, fmt.Errorf("postgres backend requires DATABASE_URL")
		}
		return NewPostgresStore(databaseURL)

	case "memory", "":
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown audit backend: %s", cfg.Backend)
	}
}

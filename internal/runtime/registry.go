package runtime

import (
	"github.com/mohammad-safakhou/quantgov/internal/queue/streams"
)

// InitSchemaRegistry returns a registry holding every event schema the
// core publishes.
func InitSchemaRegistry() (*streams.SchemaRegistry, error) {
	reg := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

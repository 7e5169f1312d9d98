// Package gather ingests new daily bars from the upstream source into the
// raw price table.
package gather

import "context"

// Invalidator is notified after the raw table changes.
type Invalidator interface {
	Publish(ctx context.Context) error
}

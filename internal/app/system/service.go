// Package system declares the lifecycle interface shared by every
// long-running coordinator component (background ops workers, the HTTP
// server) so they can be started and stopped uniformly from cmd/appserver.
package system

import "context"

// Service represents a lifecycle-managed component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

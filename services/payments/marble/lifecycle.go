package paymentsmarble

import "context"

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the payments service and its reconciler.
func (s *Service) Start(ctx context.Context) error {
	return s.BaseService.Start(ctx)
}

// Stop stops background workers. In-flight HTTP requests are drained by the server.
func (s *Service) Stop() error {
	return s.BaseService.Stop()
}

package resilience

import (
	"context"

	"github.com/MrWong99/earshot/pkg/provider/reply"
)

// ReplyFallback implements [reply.Backend] with failover across reply
// backends. Each backend has its own circuit breaker.
type ReplyFallback struct {
	group *FallbackGroup[reply.Backend]
}

var _ reply.Backend = (*ReplyFallback)(nil)

// NewReplyFallback creates a [ReplyFallback] with primary as the preferred
// backend.
func NewReplyFallback(primary reply.Backend, primaryName string, cfg FallbackConfig) *ReplyFallback {
	return &ReplyFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional reply backend.
func (f *ReplyFallback) AddFallback(name string, backend reply.Backend) {
	f.group.AddFallback(name, backend)
}

// Reply sends req to the first healthy backend and returns its answer.
func (f *ReplyFallback) Reply(ctx context.Context, req reply.Request) (string, error) {
	return ExecuteWithResult(f.group, func(b reply.Backend) (string, error) {
		return b.Reply(ctx, req)
	})
}

// Names returns the backend names in the order they are tried.
func (f *ReplyFallback) Names() []string { return f.group.Names() }

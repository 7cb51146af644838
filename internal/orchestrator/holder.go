package orchestrator

import (
	"context"
	"sync/atomic"

	"campus-assistant/internal/intent"
	"campus-assistant/internal/logger"
)

// Holder owns the live Orchestrator. Requests read it without locking and
// Reset swaps in a freshly built one.
type Holder struct {
	current atomic.Pointer[Orchestrator]
}

func NewHolder(o *Orchestrator) *Holder {
	h := &Holder{}
	h.current.Store(o)
	return h
}

func (h *Holder) Get() *Orchestrator {
	return h.current.Load()
}

// Ask delegates to the current instance. A reset during the call does not
// affect it.
func (h *Holder) Ask(ctx context.Context, req AskRequest) (intent.Intent, string) {
	return h.Get().Ask(ctx, req)
}

// Reset builds a new instance with factory and swaps it in. On error the
// current instance stays.
func (h *Holder) Reset(factory func() (*Orchestrator, error)) error {
	o, err := factory()
	if err != nil {
		logger.Error("Orchestrator reset failed, keeping current instance", "error", err)
		return err
	}
	h.current.Store(o)
	logger.Info("Orchestrator reset")
	return nil
}

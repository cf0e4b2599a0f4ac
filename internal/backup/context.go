package backup

import "sync/atomic"

// OrchestratorContext is the state shared by the backup worker, the host line
// subscriber and the shutdown hook. Build one per process.
type OrchestratorContext struct {
	Mutex *Mutex

	shuttingDown atomic.Bool
	saved        atomic.Bool
}

func NewOrchestratorContext() *OrchestratorContext {
	return &OrchestratorContext{Mutex: NewMutex()}
}

func (c *OrchestratorContext) BeginShutdown() { c.shuttingDown.Store(true) }
func (c *OrchestratorContext) ShuttingDown() bool { return c.shuttingDown.Load() }

// MarkSaved records that the host finished a save.
func (c *OrchestratorContext) MarkSaved() { c.saved.Store(true) }
func (c *OrchestratorContext) Saved() bool { return c.saved.Load() }

func (c *OrchestratorContext) clearSaved() { c.saved.Store(false) }

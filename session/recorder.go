package session

import (
	"fmt"
	"sync"

	"import-desk/logging"
)

// ProgressRecorder persists a record as the pipeline advances.
type ProgressRecorder struct {
	record *Record
	mu     sync.Mutex
}

// NewProgressRecorder returns a recorder bound to a record.
func NewProgressRecorder(r *Record) *ProgressRecorder {
	return &ProgressRecorder{record: r}
}

// Start records the processed counter a run begins from.
func (p *ProgressRecorder) Start(processed int) error {
	return p.save(processed)
}

// Batch updates the persisted state after a batch has been executed.
func (p *ProgressRecorder) Batch(processed int) error {
	return p.save(processed)
}

// Imported stores the ledger snapshot after a flush.
func (p *ProgressRecorder) Imported(names []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record.SetImported(names)
	if err := p.record.Save(); err != nil {
		return fmt.Errorf("failed to persist imported files: %w", err)
	}
	return nil
}

func (p *ProgressRecorder) save(processed int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.record.SetProgress(processed)
	logging.Debugf("session %s: progress %d", p.record.ID(), processed)
	if err := p.record.Save(); err != nil {
		return fmt.Errorf("failed to persist progress: %w", err)
	}
	return nil
}

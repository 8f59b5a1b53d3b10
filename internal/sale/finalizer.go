package sale

import (
	"context"
	"errors"
	"fmt"
)

// FinalizeCompleted is the Finalizer pass. It deletes finalized and refunded
// sales to reclaim storage, archiving each first when an archiver is
// configured. A finalized sale takes every other closed sale of the same
// item with it. Once a pass has listed its records, the next one waits for
// the cooldown.
func (e *Engine) FinalizeCompleted(ctx context.Context) (PassResult, error) {
	e.mu.Lock()
	now := e.now()
	if !e.lastFinalize.IsZero() && now.Sub(e.lastFinalize) < e.settings.FinalizeCooldown {
		e.mu.Unlock()
		e.logger.Debug("finalizer cooldown active", "lastRun", e.lastFinalize)
		return PassResult{Worker: WorkerFinalizer}, nil
	}
	prev := e.lastFinalize
	e.lastFinalize = now
	e.mu.Unlock()

	res, err := e.runPass(ctx, WorkerFinalizer, []State{StateFinalized, StateRefunded}, e.finalizeStep)
	if err != nil {
		// A failed listing does not start the cooldown.
		e.mu.Lock()
		if e.lastFinalize.Equal(now) {
			e.lastFinalize = prev
		}
		e.mu.Unlock()
	}
	return res, err
}

func (e *Engine) finalizeStep(ctx context.Context, s *Sale) (outcome, error) {
	// An earlier record of the same item may already have taken this one.
	if _, err := e.store.Get(ctx, s.ID); errors.Is(err, ErrSaleNotFound) {
		return unchanged, nil
	}

	victims := []*Sale{s}
	if s.State == StateFinalized {
		related, err := e.store.ListByItem(ctx, s.ItemID)
		if err != nil {
			return unchanged, stepErr(KindStore, "finalize", s.ID, err)
		}
		for _, r := range related {
			if r.ID == s.ID {
				continue
			}
			if !r.State.IsTerminal() {
				e.logger.Warn("keeping open sale of a finalized item", "saleId", r.ID, "itemId", s.ItemID, "state", r.State)
				continue
			}
			victims = append(victims, r)
		}
	}

	for _, v := range victims {
		if err := e.remove(ctx, v); err != nil {
			return unchanged, stepErr(KindStore, "finalize", v.ID, err)
		}
	}
	return advanced, nil
}

func (e *Engine) remove(ctx context.Context, s *Sale) error {
	if err := s.CheckInvariants(); err != nil {
		e.logger.Warn("deleting sale with broken invariants", "saleId", s.ID, "error", err)
	}
	if e.archiver != nil {
		if err := e.archiver.Archive(ctx, s); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}
	if err := e.store.Delete(ctx, s.ID); err != nil && !errors.Is(err, ErrSaleNotFound) {
		return fmt.Errorf("delete: %w", err)
	}
	e.logger.Info("sale deleted", "saleId", s.ID, "itemId", s.ItemID, "state", s.State)
	return nil
}

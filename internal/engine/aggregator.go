package engine

import (
	"context"
	"errors"
	"fmt"

	"atelier/internal/domain"
)

// Reconcile recomputes a fan-out parent's rollup from a fresh read of all
// children and resolves the parent when every child is terminal. Counters
// are never patched incrementally, so concurrent child completions can
// trigger any number of overlapping reconciles and converge on the same
// result.
func (e *Engine) Reconcile(ctx context.Context, parentID string) error {
	parent, err := e.repo.Get(ctx, parentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn().Str("job_id", parentID).Msg("aggregator: parent not found, dropping invocation")
			return nil
		}
		return err
	}
	if parent.Status.Terminal() {
		return nil
	}
	if !domain.IsFanOut(parent.Type) {
		e.logger.Error().Str("job_id", parentID).Str("job_type", string(parent.Type)).Msg("aggregator: invoked for non-fan-out type")
		return nil
	}

	children, err := e.repo.ListChildren(ctx, parentID)
	if err != nil {
		return err
	}

	rollup := domain.ChildRollup{Total: len(children)}
	for _, child := range children {
		switch child.Status {
		case domain.StatusPending:
			rollup.Pending++
		case domain.StatusComplete:
			rollup.Complete++
		case domain.StatusFailed:
			rollup.Failed++
		default:
			rollup.Running++
		}
	}

	payload, err := domain.DecodePayload(parent.Type, parent.Payload)
	if err != nil {
		e.fail(ctx, parent, fmt.Sprintf("malformed payload: %v", err))
		return nil
	}
	switch p := payload.(type) {
	case *domain.TiledUpscalePayload:
		p.Rollup = rollup
	case *domain.BatchInpaintPayload:
		p.Rollup = rollup
	default:
		e.logger.Error().Str("job_id", parentID).Msg("aggregator: payload has no rollup")
		return nil
	}

	if !rollup.AllTerminal() {
		// Persist the refreshed counters; same-status write also refreshes
		// updated_at so in-progress parents do not look stalled.
		if _, err := e.repo.Update(ctx, parentID, parent.Status, domain.UpdatePatch{Payload: domain.MustEncode(payload)}); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		return nil
	}

	if rollup.Total == 0 || rollup.Complete >= e.cfg.MinChildSuccess {
		if _, err := e.repo.Update(ctx, parentID, domain.StatusComplete, domain.UpdatePatch{Payload: domain.MustEncode(payload)}); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		e.logger.Info().Str("job_id", parentID).Int("complete", rollup.Complete).Int("failed", rollup.Failed).Msg("aggregator: parent complete")
		return nil
	}

	msg := fmt.Sprintf("%d of %d children failed, below minimum of %d successes", rollup.Failed, rollup.Total, e.cfg.MinChildSuccess)
	if _, err := e.repo.Update(ctx, parentID, domain.StatusFailed, domain.UpdatePatch{Payload: domain.MustEncode(payload), ErrorMessage: &msg}); err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	e.logger.Info().Str("job_id", parentID).Str("reason", msg).Msg("aggregator: parent failed")
	return nil
}

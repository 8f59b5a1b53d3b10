package sale

import "context"

// SendNotices tells buyers and sellers about their sale's progress. Each
// notice is sent at most once: its flag is set only after the notifier
// accepted the message, so a failed send is retried on the next pass.
func (e *Engine) SendNotices(ctx context.Context) (PassResult, error) {
	return e.runPass(ctx, WorkerNotices,
		[]State{StateAwaitingPayment, StatePaymentConfirmed, StateAwaitingDelivery, StateDelivered, StatePaying, StateSettled},
		e.noticeStep)
}

func (e *Engine) noticeStep(ctx context.Context, s *Sale) (outcome, error) {
	out := unchanged
	for _, n := range notices {
		if !n.applies(s) {
			continue
		}
		subject, body := n.compose(s, e.settings)
		if !e.send(ctx, s, n.name, subject, body, n.recipient(s)) {
			out = deferred
			continue
		}
		updated, err := e.mutate(ctx, s.ID, func(cur *Sale) error {
			n.mark(cur)
			return nil
		})
		if err != nil {
			return out, stepErr(KindOf(err), "notify", s.ID, err)
		}
		*s = *updated
		out = advanced
		e.logger.Info("notice sent", "saleId", s.ID, "notice", n.name)
	}
	return out, nil
}

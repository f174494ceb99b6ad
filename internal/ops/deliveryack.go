package ops

import (
	"context"

	coordinatorerrors "github.com/nooterra/settld/internal/errors"
	"github.com/nooterra/settld/internal/store"
)

// AckSink records that a dead-lettered event's delivery outcome has been
// observed downstream (e.g. a Slack/PagerDuty notification, an ops
// dashboard row) — kept abstract since the coordinator itself has no
// notification transport.
type AckSink func(ctx context.Context, dl store.DeadLetter) error

// DeliveryAckTick builds the periodic delivery-ack scanner tick (spec
// §4.11: "delivery ack scanner"): each shard is a tenantId, and the tick
// lists that tenant's dead letters and forwards each to sink for
// acknowledgement.
func DeliveryAckTick(st store.Store, sink AckSink) Tick {
	return func(ctx context.Context, shard string) error {
		letters, err := st.ListDeadLetters(ctx, store.ListFilter{TenantID: shard})
		if err != nil {
			return err
		}
		var firstErr error
		for _, dl := range letters {
			if err := sink(ctx, dl); err != nil && firstErr == nil {
				firstErr = coordinatorerrors.Wrap("DELIVERY_ACK_FAILED", "delivery ack sink failed", 502, err).WithDetails("eventId", dl.EventID)
			}
		}
		return firstErr
	}
}

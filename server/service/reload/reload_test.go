package reload

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestPublishStampsMonotoneSequence(t *testing.T) {
	bus := NewBus()

	var seen []uint64
	bus.Subscribe("recorder", func(e Event) error {
		seen = append(seen, e.Seq)
		return nil
	})

	bus.Publish(RuleAdded, "r1")
	bus.Publish(RuleUpdated, "r1")
	bus.Publish(RuleRemoved, "r1")

	require.Equal(t, []uint64{1, 2, 3}, seen)
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()

	delivered := 0
	bus.Subscribe("broken", func(Event) error { return errors.New("cache rebuild failed") })
	bus.Subscribe("healthy", func(Event) error { delivered++; return nil })

	bus.Publish(PlatformUpdated, "p1")
	require.Equal(t, 1, delivered)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	delivered := 0
	bus.Subscribe("s", func(Event) error { delivered++; return nil })
	bus.Publish(FixedListenerChanged, "")
	bus.Unsubscribe("s")
	bus.Publish(FixedListenerChanged, "")

	require.Equal(t, 1, delivered)
}

package driver

import (
	"context"
	"fmt"

	"github.com/mowaka/brokerd/internal/bus"
	"github.com/mowaka/brokerd/internal/logging"
	"github.com/mowaka/brokerd/internal/wire"
)

// mirrorToMonitors hands a copy of every routed message to the monitors
// whose rules select it, before the real receiver sees it. A monitor whose
// queue is full is disconnected; the message still proceeds to its real
// destination. sender is nil for driver-emitted messages.
func (d *Driver) mirrorToMonitors(sender *bus.Peer, msg *wire.Message, meta *wire.Metadata) {
	if d.bus.NMonitors() == 0 {
		return
	}

	for _, monitor := range d.bus.MonitorDestinations(meta) {
		err := monitor.Conn().Queue(msg)
		if err != bus.ErrQuota {
			continue
		}
		monitor.Conn().Shutdown()

		t := logging.Transaction{
			ReceiverID:    monitor.ID,
			ReceiverLabel: monitor.Seclabel,
			Type:          typeName(msg.Type),
			Interface:     meta.Interface,
			Member:        meta.Member,
			Path:          string(meta.Path),
		}
		if sender != nil {
			t.SenderID = sender.ID
			t.SenderNames = sender.PrimaryNames()
			t.SenderLabel = sender.Seclabel
		}
		d.log.QuotaDisconnect(context.Background(),
			fmt.Sprintf("Monitor :1.%d is being disconnected as it does not have the resources to receive a message it subscribed to.", monitor.ID),
			t)
	}
}

package events

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pilebones/go-udev/netlink"

	"tether/internal/logging"
	"tether/internal/manager"
)

// DeviceEventPrefix starts every event type emitted by the udev source, e.g.
// "device.add" or "device.change".
const DeviceEventPrefix = "device."

// Udev listens for kernel uevents on the configured subsystems and dispatches
// each one as a device event.
type Udev struct {
	subsystems []string
	sink       Dispatcher
	logger     *slog.Logger
}

// NewUdev builds a udev source for subsystems.
func NewUdev(subsystems []string, sink Dispatcher, logger *slog.Logger) *Udev {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Udev{
		subsystems: append([]string(nil), subsystems...),
		sink:       sink,
		logger:     logging.NewComponentLogger(logger, "udev"),
	}
}

// Name identifies the source in status output.
func (u *Udev) Name() string { return "udev" }

// Run blocks until ctx ends. A netlink connect failure is logged and leaves
// the source idle; the daemon keeps serving manual events.
func (u *Udev) Run(ctx context.Context) error {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(u.logger, "failed to connect to netlink socket; device events disabled", "udev_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the daemon may open NETLINK_KOBJECT_UEVENT sockets"),
			logging.String(logging.FieldImpact, "device events will not be dispatched"),
		)
		<-ctx.Done()
		return nil
	}
	defer conn.Close()

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	quit := conn.Monitor(queue, errs, u.Matcher())
	defer close(quit)

	u.logger.Info("udev monitor started",
		logging.String(logging.FieldEventType, "udev_started"),
		logging.String("subsystems", strings.Join(u.subsystems, ",")),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case uevent := <-queue:
			u.handle(ctx, uevent)
		case err := <-errs:
			logging.WarnWithContext(u.logger, "udev monitor error", "udev_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "device events may be missed"),
			)
		}
	}
}

// Matcher accepts uevents from any configured subsystem.
func (u *Udev) Matcher() netlink.Matcher {
	rules := &netlink.RuleDefinitions{}
	for _, subsystem := range u.subsystems {
		rules.AddRule(netlink.RuleDefinition{
			Env: map[string]string{
				"SUBSYSTEM": "^" + regexp.QuoteMeta(subsystem) + "$",
			},
		})
	}
	return rules
}

func (u *Udev) handle(ctx context.Context, uevent netlink.UEvent) {
	event, ok := EventFromUEvent(uevent)
	if !ok {
		u.logger.Debug("ignoring uevent without action",
			logging.String("kobj", uevent.KObj),
		)
		return
	}
	result, err := u.sink.Dispatch(ctx, event)
	if err != nil {
		logging.WarnWithContext(u.logger, "device event dispatch failed", "udev_dispatch_failed",
			logging.Error(err),
			logging.String("type", event.Type),
			logging.String("entity_id", event.EntityID),
		)
		return
	}
	u.logger.Debug("device event dispatched",
		logging.String(logging.FieldEventType, "udev_event_dispatched"),
		logging.String("event_id", result.EventID),
		logging.String("type", event.Type),
		logging.String("entity_id", event.EntityID),
		logging.Int("runs", len(result.Runs)),
	)
}

// EventFromUEvent converts a uevent into a dispatchable event. The entity id
// is the device node when known, otherwise the kernel object path.
func EventFromUEvent(uevent netlink.UEvent) (manager.Event, bool) {
	action := strings.TrimSpace(string(uevent.Action))
	if action == "" {
		return manager.Event{}, false
	}
	entity := strings.TrimSpace(uevent.Env["DEVNAME"])
	if entity != "" && !strings.HasPrefix(entity, "/") {
		entity = "/dev/" + entity
	}
	if entity == "" {
		entity = uevent.KObj
	}
	payload := make(map[string]any, len(uevent.Env)+2)
	for key, value := range uevent.Env {
		payload[strings.ToLower(key)] = value
	}
	payload["action"] = action
	payload["kobj"] = uevent.KObj
	return manager.Event{
		Type:     DeviceEventPrefix + action,
		EntityID: entity,
		Payload:  payload,
	}, true
}

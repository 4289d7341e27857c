// Package events turns outside signals into dispatched events.
//
// Each Source runs until its context ends and hands decoded events to a
// Dispatcher, normally the worker manager. The inbox source watches a
// directory for YAML or JSON event files; the udev source listens on the
// kernel netlink socket for device uevents. Both are optional and enabled
// through the [events] config section.
package events

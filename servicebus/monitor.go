package servicebus

import (
	"slices"

	cbus "github.com/next-trace/scg-message-bus/contract/bus"
)

type monitorEntry struct {
	id uint64
	fn cbus.Monitor
}

// Monitor registers fn for every bus event and returns a function that removes it.
func (b *Bus) Monitor(fn cbus.Monitor) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	b.monMu.Lock()
	b.monSeq++
	id := b.monSeq
	b.monitors = append(b.monitors, monitorEntry{id: id, fn: fn})
	b.monMu.Unlock()

	return func() {
		b.monMu.Lock()
		defer b.monMu.Unlock()

		b.monitors = slices.DeleteFunc(b.monitors, func(e monitorEntry) bool { return e.id == id })
	}
}

// EnableMonitorDump switches logging of every monitor event and returns the new state.
func (b *Bus) EnableMonitorDump(on bool) bool {
	b.dump.Store(on)
	return on
}

// MonitorDumpEnabled reports whether monitor events are logged.
func (b *Bus) MonitorDumpEnabled() bool { return b.dump.Load() }

func (b *Bus) emit(ev cbus.MonitorEvent) {
	if b.dump.Load() {
		b.logger.Info("bus monitor",
			"event", string(ev.Type), "channel", ev.Channel, "from", ev.From, "message", ev.MessageID, "data", ev.Data)
	}

	b.monMu.RLock()
	if len(b.monitors) == 0 {
		b.monMu.RUnlock()
		return
	}

	fns := make([]cbus.Monitor, len(b.monitors))
	for i, e := range b.monitors {
		fns[i] = e.fn
	}
	b.monMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

package tui

import (
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/eventbus"
	"github.com/homefix/bookingsync/internal/lifecycle"
	"github.com/homefix/bookingsync/internal/logging"
	"github.com/homefix/bookingsync/internal/realtime"
)

type connMsg struct{ state realtime.State }

type bookingMsg struct{ rec booking.Record }

type forgottenMsg struct{ id string }

type offerMsg struct{ offer *booking.JobOffer }

type toastMsg struct{ toast lifecycle.Toast }

type navMsg struct{ nav lifecycle.Navigation }

// Bridge forwards bus events to a channel the model listens on. Bus handlers
// must not block, so messages beyond buffer are dropped. The returned func
// unsubscribes.
func Bridge(bus *eventbus.EventBus, buffer int) (<-chan tea.Msg, func()) {
	ch := make(chan tea.Msg, buffer)
	log := logging.ForComponent(logging.CompTUI)
	unsub := bus.SubscribeTypes(func(e eventbus.Event) {
		msg, ok := translate(e)
		if !ok {
			return
		}
		select {
		case ch <- msg:
		default:
			log.Warn("tui_message_dropped", slog.String("event", string(e.Type)))
		}
	},
		eventbus.EventConnectionState,
		eventbus.EventBookingChanged,
		eventbus.EventBookingForgotten,
		eventbus.EventOfferChanged,
		eventbus.EventToast,
		eventbus.EventNavigate,
	)
	return ch, unsub
}

func translate(e eventbus.Event) (tea.Msg, bool) {
	switch e.Type {
	case eventbus.EventConnectionState:
		st, ok := e.Data.(realtime.State)
		return connMsg{state: st}, ok
	case eventbus.EventBookingChanged:
		rec, ok := e.Data.(booking.Record)
		return bookingMsg{rec: rec}, ok
	case eventbus.EventBookingForgotten:
		return forgottenMsg{id: e.Channel}, true
	case eventbus.EventOfferChanged:
		offer, _ := e.Data.(*booking.JobOffer)
		return offerMsg{offer: offer}, true
	case eventbus.EventToast:
		t, ok := e.Data.(lifecycle.Toast)
		return toastMsg{toast: t}, ok
	case eventbus.EventNavigate:
		n, ok := e.Data.(lifecycle.Navigation)
		return navMsg{nav: n}, ok
	}
	return nil, false
}

// listen waits for the next bridged message.
func listen(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

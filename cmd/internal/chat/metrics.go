package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "haven_chat_messages_accepted_total",
			Help: "Messages persisted and fanned out",
		},
	)

	messagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haven_chat_messages_rejected_total",
			Help: "Messages rejected by the broker",
		},
		[]string{"reason"}, // "room_closed", "invalid_message", "room_not_found", "storage_failure"
	)

	fanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "haven_chat_fanout_dropped_total",
			Help: "Fanout deliveries dropped due to a full or closing client queue",
		},
	)

	attachedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "haven_chat_attached_sessions",
			Help: "Live (session, room) attachments",
		},
	)

	roomsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "haven_chat_rooms_closed_total",
			Help: "Rooms transitioned to closed",
		},
	)

	readMarksAdvanced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "haven_chat_read_marks_advanced_total",
			Help: "Last-read markers that moved forward",
		},
	)
)

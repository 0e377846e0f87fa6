package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bidflow_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bidflow_enqueue_total", Help: "SQS enqueue results"},
		[]string{"queue", "result"},
	)
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bidflow_inbound_events_total", Help: "Inbound chat events by sender role and outcome"},
		[]string{"role", "status"},
	)
	OffersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bidflow_offers_submitted_total", Help: "Offer submissions"},
		[]string{"path", "result"},
	)
	Acceptances = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bidflow_acceptances_total", Help: "Offer acceptance outcomes"},
		[]string{"result"},
	)
	WavesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bidflow_waves_dispatched_total", Help: "Vendor invitation waves"},
		[]string{"wave"},
	)
	Apologies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bidflow_apologies_total", Help: "No-coverage and no-response apologies"},
		[]string{"reason"},
	)
	AggregationNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bidflow_aggregation_notifications_total", Help: "Consolidated offer notifications"},
		[]string{"trigger"},
	)
	SchedulerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bidflow_scheduler_events_total", Help: "Scheduled event outcomes"},
		[]string{"kind", "result"},
	)
	TwilioSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_send_total", Help: "Twilio send outcomes"},
		[]string{"result", "http_status"},
	)
	TwilioLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "twilio_send_latency_seconds", Help: "Twilio send latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_webhook_events_total", Help: "Webhook events"},
		[]string{"kind", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, Enqueues, InboundEvents, OffersSubmitted, Acceptances,
		WavesDispatched, Apologies, AggregationNotifications, SchedulerEvents,
		TwilioSend, TwilioLatency, WebhookEvents,
	)
}

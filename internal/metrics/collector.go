package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/leozw/partner-guardian/internal/config"
	"github.com/leozw/partner-guardian/internal/core"
)

type Collector struct {
	config   *config.MimirConfig
	registry *prometheus.Registry
	client   *http.Client

	// Partner health
	partnerActiveCalls      *prometheus.GaugeVec
	partnerQueuedCalls      *prometheus.GaugeVec
	partnerRunningCampaigns *prometheus.GaugeVec
	partnerUtilization      *prometheus.GaugeVec
	partnerConcurrencyLimit *prometheus.GaugeVec
	partnerAlertLevel       *prometheus.GaugeVec
	partnerUp               *prometheus.GaugeVec
	lastFetchTimestamp      *prometheus.GaugeVec

	// Collector
	fetchDuration *prometheus.HistogramVec
	fetchesTotal  *prometheus.CounterVec
	partnersTotal *prometheus.GaugeVec

	// Operator actions and notifications
	concurrencyChanges *prometheus.CounterVec
	alertsTotal        *prometheus.CounterVec
	notificationsSent  *prometheus.CounterVec
}

var partnerLabels = []string{"partner_id", "partner_name"}

// NewCollector registers all metrics on a private registry so that several
// collectors (tests, multiple binaries in one process) never collide.
func NewCollector(cfg config.MimirConfig) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		config:   &cfg,
		registry: reg,
		client:   &http.Client{Timeout: 30 * time.Second},

		partnerActiveCalls: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "partner_active_calls",
				Help: "Calls in progress on the partner tenant",
			},
			partnerLabels,
		),

		partnerQueuedCalls: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "partner_queued_calls",
				Help: "Calls waiting to be dialed on the partner tenant",
			},
			partnerLabels,
		),

		partnerRunningCampaigns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "partner_running_campaigns",
				Help: "Campaigns currently running on the partner tenant",
			},
			partnerLabels,
		),

		partnerUtilization: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "partner_utilization_percent",
				Help: "Active calls as a percentage of the concurrency limit",
			},
			partnerLabels,
		),

		partnerConcurrencyLimit: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "partner_concurrency_limit",
				Help: "Configured concurrency limit of the partner",
			},
			partnerLabels,
		),

		partnerAlertLevel: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "partner_alert_level",
				Help: "Current alert level (1 for the active level, 0 otherwise)",
			},
			append(partnerLabels, "level"),
		),

		partnerUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "partner_up",
				Help: "Whether the last fetch from the partner succeeded (1) or not (0)",
			},
			partnerLabels,
		),

		lastFetchTimestamp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "partner_last_fetch_timestamp_seconds",
				Help: "Unix time of the last fetch attempt",
			},
			partnerLabels,
		),

		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "partner_fetch_duration_seconds",
				Help:    "Duration of partner metric fetches in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			partnerLabels,
		),

		fetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_fetches_total",
				Help: "Total number of partner metric fetches",
			},
			append(partnerLabels, "status"),
		),

		partnersTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "partners_total",
				Help: "Number of registered partners",
			},
			[]string{"state"},
		),

		concurrencyChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_concurrency_changes_total",
				Help: "Concurrency limit changes, by whether the tenant acknowledged them",
			},
			append(partnerLabels, "source", "synced"),
		),

		alertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_alerts_total",
				Help: "Alerts opened, by level",
			},
			append(partnerLabels, "level"),
		),

		notificationsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "partner_notifications_sent_total",
				Help: "Alert notifications sent",
			},
			[]string{"channel", "status"},
		),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordSnapshot publishes the figures of a freshly collected snapshot.
func (c *Collector) RecordSnapshot(p *core.Partner, s *core.Snapshot) {
	labels := prometheus.Labels{"partner_id": p.ID, "partner_name": p.Name}

	c.lastFetchTimestamp.With(labels).Set(float64(s.SnapshotTime.Unix()))
	c.partnerConcurrencyLimit.With(labels).Set(float64(p.ConcurrencyLimit))

	for _, level := range core.AlertLevels {
		value := 0.0
		if level == s.AlertLevel {
			value = 1.0
		}
		c.partnerAlertLevel.With(prometheus.Labels{
			"partner_id":   p.ID,
			"partner_name": p.Name,
			"level":        level.String(),
		}).Set(value)
	}

	if s.Failed() {
		c.partnerUp.With(labels).Set(0)
		return
	}

	c.partnerUp.With(labels).Set(1)
	c.partnerActiveCalls.With(labels).Set(float64(s.ActiveCalls))
	c.partnerQueuedCalls.With(labels).Set(float64(s.QueuedCalls))
	c.partnerRunningCampaigns.With(labels).Set(float64(s.RunningCampaigns))
	c.partnerUtilization.With(labels).Set(s.UtilizationPercent)
}

func (c *Collector) RecordFetch(p *core.Partner, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.fetchDuration.With(prometheus.Labels{
		"partner_id":   p.ID,
		"partner_name": p.Name,
	}).Observe(duration.Seconds())
	c.fetchesTotal.With(prometheus.Labels{
		"partner_id":   p.ID,
		"partner_name": p.Name,
		"status":       status,
	}).Inc()
}

func (c *Collector) RecordPartnerCounts(total, active int) {
	c.partnersTotal.WithLabelValues("all").Set(float64(total))
	c.partnersTotal.WithLabelValues("active").Set(float64(active))
}

// RecordConcurrencyChange counts a limit change. source is "operator" for
// changes made through the API and "tenant" for limits pulled from the
// partner.
func (c *Collector) RecordConcurrencyChange(p *core.Partner, source string, synced bool) {
	syncedValue := "false"
	if synced {
		syncedValue = "true"
	}
	c.concurrencyChanges.With(prometheus.Labels{
		"partner_id":   p.ID,
		"partner_name": p.Name,
		"source":       source,
		"synced":       syncedValue,
	}).Inc()
}

func (c *Collector) RecordAlert(p *core.Partner, level core.AlertLevel) {
	c.alertsTotal.With(prometheus.Labels{
		"partner_id":   p.ID,
		"partner_name": p.Name,
		"level":        level.String(),
	}).Inc()
}

func (c *Collector) RecordNotificationSent(channel string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.notificationsSent.WithLabelValues(channel, status).Inc()
}

// ForgetPartner drops every series of a deleted partner.
func (c *Collector) ForgetPartner(partnerID string) {
	match := prometheus.Labels{"partner_id": partnerID}
	for _, vec := range []*prometheus.MetricVec{
		c.partnerActiveCalls.MetricVec,
		c.partnerQueuedCalls.MetricVec,
		c.partnerRunningCampaigns.MetricVec,
		c.partnerUtilization.MetricVec,
		c.partnerConcurrencyLimit.MetricVec,
		c.partnerAlertLevel.MetricVec,
		c.partnerUp.MetricVec,
		c.lastFetchTimestamp.MetricVec,
		c.fetchDuration.MetricVec,
		c.fetchesTotal.MetricVec,
		c.concurrencyChanges.MetricVec,
		c.alertsTotal.MetricVec,
	} {
		vec.DeletePartialMatch(match)
	}
}

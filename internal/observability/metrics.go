package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the counters exported by the registry adapter.
type Metrics struct {
	uploads         *prometheus.CounterVec
	releases        *prometheus.CounterVec
	assetDeletions  *prometheus.CounterVec
	remoteErrors    *prometheus.CounterVec
	tokenRejections *prometheus.CounterVec
	saves           *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	uploads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redirectory_uploads_total",
		Help: "Total file uploads by revision level and outcome.",
	}, []string{"level", "outcome"})
	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redirectory_releases_total",
		Help: "Total release resolutions by outcome (found, found_v_prefixed, created).",
	}, []string{"outcome"})
	assetDeletions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redirectory_asset_deletions_total",
		Help: "Total remote asset deletions by outcome.",
	}, []string{"outcome"})
	remoteErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redirectory_remote_errors_total",
		Help: "Total release store failures by operation.",
	}, []string{"op"})
	tokenRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redirectory_token_rejections_total",
		Help: "Total capability token rejections by reason.",
	}, []string{"reason"})
	saves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redirectory_store_saves_total",
		Help: "Total revision store saves by outcome.",
	}, []string{"outcome"})

	uploads = registerCounterVec(registerer, uploads)
	releases = registerCounterVec(registerer, releases)
	assetDeletions = registerCounterVec(registerer, assetDeletions)
	remoteErrors = registerCounterVec(registerer, remoteErrors)
	tokenRejections = registerCounterVec(registerer, tokenRejections)
	saves = registerCounterVec(registerer, saves)

	return &Metrics{
		uploads:         uploads,
		releases:        releases,
		assetDeletions:  assetDeletions,
		remoteErrors:    remoteErrors,
		tokenRejections: tokenRejections,
		saves:           saves,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncUpload(level, outcome string) {
	if m == nil || m.uploads == nil {
		return
	}
	m.uploads.WithLabelValues(level, outcome).Inc()
}

func (m *Metrics) IncRelease(outcome string) {
	if m == nil || m.releases == nil {
		return
	}
	m.releases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncAssetDeletion(outcome string) {
	if m == nil || m.assetDeletions == nil {
		return
	}
	m.assetDeletions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncRemoteError(op string) {
	if m == nil || m.remoteErrors == nil {
		return
	}
	m.remoteErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncTokenRejection(reason string) {
	if m == nil || m.tokenRejections == nil {
		return
	}
	m.tokenRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSave(outcome string) {
	if m == nil || m.saves == nil {
		return
	}
	m.saves.WithLabelValues(outcome).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

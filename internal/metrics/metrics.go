package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SitesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcast_sites_processed_total",
			Help: "Sites that completed the clean-forecast-evaluate path",
		},
		[]string{"model"},
	)

	SitesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcast_sites_skipped_total",
			Help: "Sites skipped due to data errors",
		},
		[]string{"reason"},
	)

	ValuesImputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridcast_values_imputed_total",
			Help: "Missing values filled during cleaning",
		},
	)

	OutliersReplaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridcast_outliers_replaced_total",
			Help: "Implausible values replaced during cleaning",
		},
	)

	TrainingEpochs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcast_training_epochs_total",
			Help: "LSTM training epochs completed",
		},
		[]string{"site"},
	)

	PriceFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridcast_price_fetches_total",
			Help: "AEMO price CSV download attempts",
		},
		[]string{"region", "status"},
	)
)

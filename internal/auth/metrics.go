package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var authAttemptsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "apigw_auth_attempts_total",
		Help: "Total number of authentication attempts",
	},
	[]string{"scheme", "result"},
)

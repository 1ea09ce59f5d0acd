package opshttp

import (
	"net/http"

	"github.com/keithlinneman/openbmclapi-cluster/internal/health"
)

const DefaultPort = 9000

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool

	// Health backs /healthz, Readiness backs /readyz. A nil probe passes.
	Health    health.Probe
	Readiness health.Probe

	UseRecoverMW bool
	OnPanic      func()
}

package router

import "github.com/VictoriaMetrics/metrics"

// Stats holds the receive-pipeline counters enumerated in spec §4.8,
// each labelled under one VictoriaMetrics set so a composition root can
// expose them all with one WritePrometheus call. Grounded on the
// teacher-pack's api0.apiMetrics pattern (R2Northstar-Atlas): a struct
// of *metrics.Counter fields populated once from a private *metrics.Set.
type Stats struct {
	set *metrics.Set

	Routed          *metrics.Counter
	DeliveredLocal  *metrics.Counter
	DroppedTTL      *metrics.Counter
	DroppedMAC      *metrics.Counter
	DroppedReplay   *metrics.Counter
	DroppedNoRoute  *metrics.Counter
	DroppedParse    *metrics.Counter
}

// NewStats creates a fresh, independent counter set for one router
// instance (a Sink and its downstream Nodes each get their own Stats,
// so counts are never conflated across devices in a test mesh).
func NewStats() *Stats {
	set := metrics.NewSet()
	return &Stats{
		set:            set,
		Routed:         set.NewCounter(`mesh_router_packets_total{result="routed"}`),
		DeliveredLocal: set.NewCounter(`mesh_router_packets_total{result="delivered_local"}`),
		DroppedTTL:     set.NewCounter(`mesh_router_packets_total{result="dropped_ttl"}`),
		DroppedMAC:     set.NewCounter(`mesh_router_packets_total{result="dropped_mac"}`),
		DroppedReplay:  set.NewCounter(`mesh_router_packets_total{result="dropped_replay"}`),
		DroppedNoRoute: set.NewCounter(`mesh_router_packets_total{result="dropped_no_route"}`),
		DroppedParse:   set.NewCounter(`mesh_router_packets_total{result="dropped_parse"}`),
	}
}

// Set returns the underlying metrics.Set, for a composition root that
// wants to serve /metrics.
func (s *Stats) Set() *metrics.Set {
	return s.set
}

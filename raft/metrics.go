package raft

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the per-process Prometheus collectors shared by every
// Consensus instance; each observation carries a group_id label.
type Metrics struct {
	CurrentTerm   *prometheus.GaugeVec
	CommitOffset  *prometheus.GaugeVec
	Elections     *prometheus.CounterVec
	AppendEntries *prometheus.CounterVec
	StepDowns     *prometheus.CounterVec
}

// NewMetrics registers a fresh Metrics set on reg. Passing nil uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CurrentTerm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "raft",
			Name:      "current_term",
			Help:      "Current term observed by this group.",
		}, []string{"group_id"}),
		CommitOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "raft",
			Name:      "commit_offset",
			Help:      "Highest committed log offset for this group.",
		}, []string{"group_id"}),
		Elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raft",
			Name:      "elections_total",
			Help:      "Elections started, partitioned by outcome.",
		}, []string{"group_id", "outcome"}),
		AppendEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raft",
			Name:      "append_entries_total",
			Help:      "AppendEntries RPCs processed, partitioned by result.",
		}, []string{"group_id", "result"}),
		StepDowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raft",
			Name:      "step_downs_total",
			Help:      "Leader-to-follower step downs.",
		}, []string{"group_id"}),
	}
	reg.MustRegister(m.CurrentTerm, m.CommitOffset, m.Elections, m.AppendEntries, m.StepDowns)
	return m
}

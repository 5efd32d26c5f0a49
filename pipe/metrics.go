// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package pipe

import "expvar"

type pipeMetrics struct {
	pipesOpen   expvar.Int
	dataSent    expvar.Int // descriptors submitted
	dataRecv    expvar.Int // descriptors delivered to a consumer
	creditSent  expvar.Int
	creditRecv  expvar.Int
	dropped     expvar.Int // messages for unknown pipes, or without credit
	disconnects expvar.Int
	reconnects  expvar.Int

	emap *expvar.Map
}

var metrics = newPipeMetrics()

func newPipeMetrics() *pipeMetrics {
	m := &pipeMetrics{emap: new(expvar.Map)}
	m.emap.Set("pipes_open", &m.pipesOpen)
	m.emap.Set("descriptors_sent", &m.dataSent)
	m.emap.Set("descriptors_received", &m.dataRecv)
	m.emap.Set("credits_sent", &m.creditSent)
	m.emap.Set("credits_received", &m.creditRecv)
	m.emap.Set("messages_dropped", &m.dropped)
	m.emap.Set("disconnects", &m.disconnects)
	m.emap.Set("reconnects", &m.reconnects)
	return m
}

// Metrics returns the metrics map shared by all pipe managers.
func Metrics() *expvar.Map { return metrics.emap }

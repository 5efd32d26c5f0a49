// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package rpc

import "expvar"

// rpcMetrics record client and host activity counters.
type rpcMetrics struct {
	callOut      expvar.Int // calls issued by clients
	callOutErr   expvar.Int // client calls reporting an error
	callTimeout  expvar.Int // client calls that gave up waiting
	callStale    expvar.Int // late responses discarded by clients
	callIn       expvar.Int // requests executed by hosts
	callInErr    expvar.Int // requests answered with a non-OK status
	callBusy     expvar.Int // requests refused by the admission limit
	callPanic    expvar.Int
	disconnected expvar.Int // client endpoints lost by hosts

	emap *expvar.Map
}

var metrics = newRPCMetrics()

func newRPCMetrics() *rpcMetrics {
	m := &rpcMetrics{emap: new(expvar.Map)}
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_timed_out", &m.callTimeout)
	m.emap.Set("responses_stale", &m.callStale)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_busy", &m.callBusy)
	m.emap.Set("calls_panicked", &m.callPanic)
	m.emap.Set("clients_disconnected", &m.disconnected)
	return m
}

// Metrics returns the metrics map shared by all clients and hosts. It is safe
// for the caller to add additional metrics to the map.
func Metrics() *expvar.Map { return metrics.emap }

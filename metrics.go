// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tilerpc

import "expvar"

// linkMetrics record link activity counters.
type linkMetricsT struct {
	frameRecv    expvar.Int
	frameSent    expvar.Int
	frameDropped expvar.Int // unknown types, or data for a closed port
	portsOpen    expvar.Int
	linksActive  expvar.Int

	emap *expvar.Map
}

var linkMetrics = newLinkMetrics()

func newLinkMetrics() *linkMetricsT {
	lm := &linkMetricsT{emap: new(expvar.Map)}
	lm.emap.Set("frames_received", &lm.frameRecv)
	lm.emap.Set("frames_sent", &lm.frameSent)
	lm.emap.Set("frames_dropped", &lm.frameDropped)
	lm.emap.Set("ports_open", &lm.portsOpen)
	lm.emap.Set("links_active", &lm.linksActive)
	return lm
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package servicequeue

// Stats returns statistics about the service queue.
type Stats struct {
	Pending   int `json:"pending"`   // number of requests waiting in the queue
	Active    int `json:"active"`    // number of requests currently being advanced
	Completed int `json:"completed"` // number of completed requests
	Failed    int `json:"failed"`    // number of failed requests (even after retries)
}

// SystemStatus describes the current state of the admission machinery.
type SystemStatus struct {
	LoadLevel  LoadLevel `json:"load_level"`            // current discrete load level
	LoadRatio  float64   `json:"system_load"`           // last sampled normalized load ratio
	Ceilings   Ceiling   `json:"current_limits"`        // ceilings in effect for the level
	QueueSize  int       `json:"queue_size"`            // pending plus active requests
	LastChange int64     `json:"last_change,omitempty"` // when the level last changed (in UnixNano)
}

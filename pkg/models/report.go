// Package models pkg/models/report.go
package models

// Report is the document published on the report channel.
type Report struct {
	Devices    []string `json:"devices"`
	ID         string   `json:"id"`
	Point      string   `json:"point"`
	Timestamp  int64    `json:"timestamp"`
	TimeString string   `json:"time_string"`
}

// StatusDocument is published on the control channel.
type StatusDocument struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	Uptime   int64  `json:"uptime"`    // milliseconds since start
	FreeHeap uint64 `json:"free_heap"` // bytes
}

// Message is an inbound message as delivered by the transport.
type Message struct {
	Topic   string
	Payload []byte
}

// NodeStatus is the diagnostics view of the whole node.
type NodeStatus struct {
	DeviceID  string         `json:"device_id"`
	Identity  string         `json:"identity"`
	Point     string         `json:"point"`
	Uptime    int64          `json:"uptime"` // milliseconds
	LocalTime string         `json:"local_time"`
	Connected bool           `json:"connected"`
	Scanning  bool           `json:"scanning"`
	Update    UpdateSnapshot `json:"update"`
	Scans     ScanStats      `json:"scans"`
}

// DeviceView pairs the in-progress cycle with the last published set.
type DeviceView struct {
	Current       []string   `json:"current"`
	LastPublished []string   `json:"last_published"`
	Scanning      bool       `json:"scanning"`
	LastCycle     *ScanCycle `json:"last_cycle,omitempty"`
}

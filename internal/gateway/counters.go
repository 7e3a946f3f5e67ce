package gateway

import "sync/atomic"

// Live instance accounting. The status surface reports these and the leak
// tests assert they return to zero.
var (
	liveChannelEntries atomic.Int64
	liveMonitorEntries atomic.Int64
	liveMonitorUsers   atomic.Int64
	liveGWChannels     atomic.Int64
)

// InstanceCounts is a snapshot of live core objects.
type InstanceCounts struct {
	ChannelEntries int64 `json:"channelEntries"`
	MonitorEntries int64 `json:"monitorEntries"`
	MonitorUsers   int64 `json:"monitorUsers"`
	GWChannels     int64 `json:"gwChannels"`
}

// LiveCounts returns the current instance counters.
func LiveCounts() InstanceCounts {
	return InstanceCounts{
		ChannelEntries: liveChannelEntries.Load(),
		MonitorEntries: liveMonitorEntries.Load(),
		MonitorUsers:   liveMonitorUsers.Load(),
		GWChannels:     liveGWChannels.Load(),
	}
}

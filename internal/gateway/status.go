package gateway

import "sort"

// ChannelStatus describes one cached channel for the admin surface.
type ChannelStatus struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Clients     int    `json:"clients"`
	Monitors    int    `json:"monitors"`
	Subscribers int    `json:"subscribers"`
}

// Status is the provider report: level 0 carries counts only, level >= 1
// adds per-channel connection state and subscriber counts.
type Status struct {
	Provider string          `json:"provider"`
	Channels int             `json:"channels"`
	Live     InstanceCounts  `json:"live"`
	Entries  []ChannelStatus `json:"entries,omitempty"`
}

// Status reports the cache state at the given verbosity level.
func (p *Provider) Status(level int) Status {
	st := Status{
		Provider: p.name,
		Channels: p.cache.Size(),
		Live:     LiveCounts(),
	}
	if level <= 0 {
		return st
	}

	for _, e := range p.cache.snapshotEntries() {
		st.Entries = append(st.Entries, ChannelStatus{
			Name:        e.Name(),
			State:       e.State().String(),
			Clients:     e.interestedCount(),
			Monitors:    e.monitorCount(),
			Subscribers: e.subscriberCount(),
		})
	}
	sort.Slice(st.Entries, func(i, j int) bool { return st.Entries[i].Name < st.Entries[j].Name })
	return st
}

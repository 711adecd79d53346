package tracker

import (
	"sort"

	"seatwatch/internal/storage"
)

// Encode converts a registry snapshot to its persisted document. Live
// leases are not part of State, so nothing needs filtering.
func Encode(st State) storage.Document {
	doc := storage.Document{Version: storage.DocumentVersion}

	groups := make([]GroupID, 0, len(st.Channels))
	for g := range st.Channels {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	for _, g := range groups {
		ch := st.Channels[g]
		doc.Channels = append(doc.Channels, storage.ChannelBinding{Group: int64(g), ChatID: ch.ChatID, ThreadID: ch.ThreadID})
	}

	for _, r := range st.Records {
		subs := r.SubscriberList()
		ids := make([]int64, len(subs))
		for i, s := range subs {
			ids[i] = int64(s)
		}
		doc.Records = append(doc.Records, storage.RecordRow{
			Group:       int64(r.Group),
			Code:        r.Code,
			Name:        r.Name,
			Presenter:   r.Presenter,
			Schedule:    r.Schedule,
			Location:    r.Location,
			Remark:      r.Remark,
			Enrolled:    cloneInt(r.Enrolled),
			Capacity:    cloneInt(r.Capacity),
			Notified:    r.Notified,
			Status:      string(r.Status),
			LastError:   r.LastError,
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
			Subscribers: ids,
		})
	}
	return doc
}

// Decode rebuilds registry data from a document. Subscriber lists become
// sets; duplicate ids collapse.
func Decode(doc storage.Document) State {
	st := State{Channels: make(map[GroupID]Channel, len(doc.Channels))}
	for _, b := range doc.Channels {
		st.Channels[GroupID(b.Group)] = Channel{ChatID: b.ChatID, ThreadID: b.ThreadID}
	}
	for _, row := range doc.Records {
		subs := make(map[SubscriberID]struct{}, len(row.Subscribers))
		for _, id := range row.Subscribers {
			subs[SubscriberID(id)] = struct{}{}
		}
		st.Records = append(st.Records, Record{
			Group:       GroupID(row.Group),
			Code:        row.Code,
			Name:        row.Name,
			Presenter:   row.Presenter,
			Schedule:    row.Schedule,
			Location:    row.Location,
			Remark:      row.Remark,
			Enrolled:    cloneInt(row.Enrolled),
			Capacity:    cloneInt(row.Capacity),
			Notified:    row.Notified,
			Subscribers: subs,
			Status:      Status(row.Status),
			LastError:   row.LastError,
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
		})
	}
	sortRecords(st.Records)
	return st
}

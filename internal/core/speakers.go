package core

import "slices"

// VisibleCount is how many ranked speakers are streamed to every member.
const VisibleCount = 5

// SpeakerRanking orders audio producers by recency of dominance, most recent
// first. It holds no duplicates. Not safe for concurrent use; the owning room
// serialises access.
type SpeakerRanking struct {
	ids []ProducerID
}

// Promote moves pid to the front, inserting it if absent.
func (r *SpeakerRanking) Promote(pid ProducerID) bool {
	if pid == "" {
		return false
	}
	if i := slices.Index(r.ids, pid); i >= 0 {
		r.ids = slices.Delete(r.ids, i, i+1)
	}
	r.ids = slices.Insert(r.ids, 0, pid)
	return true
}

// Append adds pid at the lowest priority unless already ranked.
func (r *SpeakerRanking) Append(pid ProducerID) bool {
	if pid == "" || slices.Contains(r.ids, pid) {
		return false
	}
	r.ids = append(r.ids, pid)
	return true
}

// Remove drops pid wherever it is ranked.
func (r *SpeakerRanking) Remove(pid ProducerID) bool {
	i := slices.Index(r.ids, pid)
	if i < 0 {
		return false
	}
	r.ids = slices.Delete(r.ids, i, i+1)
	return true
}

func (r *SpeakerRanking) Contains(pid ProducerID) bool { return slices.Contains(r.ids, pid) }

func (r *SpeakerRanking) Len() int { return len(r.ids) }

// Snapshot returns a copy of the whole ranking.
func (r *SpeakerRanking) Snapshot() []ProducerID { return slices.Clone(r.ids) }

// Visible returns a copy of ranking[0:VisibleCount].
func (r *SpeakerRanking) Visible() []ProducerID {
	return slices.Clone(r.ids[:min(VisibleCount, len(r.ids))])
}

// Hidden returns a copy of ranking[VisibleCount:].
func (r *SpeakerRanking) Hidden() []ProducerID {
	if len(r.ids) <= VisibleCount {
		return nil
	}
	return slices.Clone(r.ids[VisibleCount:])
}

// Plan is the result of one visibility pass over a room.
type Plan struct {
	// Visible is the ranking truncated to VisibleCount; broadcast to Members.
	Visible []ProducerID
	// Members are every session that was in the room during the pass.
	Members []SessionID
	// Builds lists, per member, the visible speakers it has no consumer path
	// for yet, in visible order.
	Builds map[SessionID][]ProducerID
	// Seq orders passes of the same room; later passes have larger values.
	Seq uint64
}

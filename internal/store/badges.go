package store

import "github.com/brandon/omnicom/pkg/types"

func zeroBadges() types.Badges {
	b := make(types.Badges, len(types.AllTabs()))
	for _, tab := range types.AllTabs() {
		b[tab] = 0
	}
	return b
}

// addContribution adds (sign=1) or removes (sign=-1) a partition's unread
// total from every tab its provider kind belongs to.
func addContribution(b types.Badges, p *partition, sign int) {
	if p.unread == 0 {
		return
	}
	for _, tab := range types.TabsFor(p.account.Kind) {
		b[tab] += sign * p.unread
	}
}

// Recount computes per-tab unread totals from scratch by walking every
// message. It must always agree with Snapshot.Badges.
func Recount(s *Snapshot) types.Badges {
	b := zeroBadges()
	s.Messages(func(t types.Thread, m types.Message) bool {
		if m.Unread() {
			for _, tab := range types.TabsFor(t.Kind) {
				b[tab]++
			}
		}
		return true
	})
	return b
}

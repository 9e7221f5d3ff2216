package controller

import (
	"slices"
	"strconv"

	cache "github.com/patrickmn/go-cache"

	"github.com/signalsfoundry/opensand-dama/internal/dama"
)

// liveness remembers the last superframe each terminal was heard in.
// Entries never expire on wall-clock time; expire walks them on every
// superframe instead.
type liveness struct {
	// Do not embed or use type directly to reduce the cache's API surface
	c         *cache.Cache
	timeoutSf uint32
}

func newLiveness(timeoutSf uint32) *liveness {
	return &liveness{
		c:         cache.New(cache.NoExpiration, 0),
		timeoutSf: timeoutSf,
	}
}

func livenessKey(id dama.TalID) string { return strconv.Itoa(int(id)) }

func (l *liveness) touch(id dama.TalID, sf uint32) {
	l.c.Set(livenessKey(id), sf, cache.NoExpiration)
}

func (l *liveness) forget(id dama.TalID) {
	l.c.Delete(livenessKey(id))
}

// expire removes and returns, ordered by id, the terminals silent for at
// least the timeout at superframe sf. A zero timeout never expires anyone.
func (l *liveness) expire(sf uint32) []dama.TalID {
	if l.timeoutSf == 0 {
		return nil
	}
	var silent []dama.TalID
	for key, item := range l.c.Items() {
		last, ok := item.Object.(uint32)
		if !ok || sf < last || sf-last < l.timeoutSf {
			continue
		}
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		silent = append(silent, dama.TalID(id))
	}
	for _, id := range silent {
		l.forget(id)
	}
	slices.Sort(silent)
	return silent
}

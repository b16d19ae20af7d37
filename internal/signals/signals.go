// Package signals is an in-process wake up bus. Signals carry no payload and
// are dropped when the listener is busy, so a listener must always re-read state.
package signals

import (
	"math/rand"
	"sync"
)

type Signal string

// OfferScheduled fires when an offer send was (re)scheduled.
const OfferScheduled Signal = "offer-scheduled"

var mu sync.RWMutex
var sigs = map[Signal][]chan struct{}{}

// Notify wakes one random listener.
func Notify(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	chans := sigs[channel]
	l := len(chans)
	if l > 0 {
		select {
		case chans[rand.Intn(l)] <- struct{}{}:
		default:
		}
	}
}

func Broadcast(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	for _, c := range sigs[channel] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func Listen(channel Signal) (signal <-chan struct{}, cancel func()) {
	mu.Lock()
	defer mu.Unlock()
	c := make(chan struct{}, 1)

	sigs[channel] = append(sigs[channel], c)

	return c, func() {
		mu.Lock()
		defer mu.Unlock()

		var chans []chan struct{}
		for _, cc := range sigs[channel] {
			if cc == c {
				continue
			}
			chans = append(chans, cc)
		}
		sigs[channel] = chans
	}
}

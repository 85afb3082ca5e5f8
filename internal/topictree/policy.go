package topictree

import (
	"fmt"
	"time"
)

// RemovalPolicy is a server-enforced rule governing automatic topic deletion:
// a topic becomes eligible for removal once its subscription count has been
// below Subscriptions for a continuous window of For.
type RemovalPolicy struct {
	Subscriptions int
	For           time.Duration
}

// DefaultRemovalPolicy is attached to every topic the mirror creates:
// remove once subscriber count has been zero for a continuous 1-minute window.
var DefaultRemovalPolicy = RemovalPolicy{Subscriptions: 1, For: time.Minute}

// String renders the policy in the server's wire syntax,
// e.g. "when subscriptions < 1 for 1m".
func (p RemovalPolicy) String() string {
	window := p.For.String()
	if p.For >= time.Minute && p.For%time.Minute == 0 {
		window = fmt.Sprintf("%dm", p.For/time.Minute)
	}
	return fmt.Sprintf("when subscriptions < %d for %s", p.Subscriptions, window)
}

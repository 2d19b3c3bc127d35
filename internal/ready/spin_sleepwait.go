//go:build sleepwait

package ready

import "time"

// spinSleepInterval is how long a waiter sleeps between mask polls when
// built for shared-core deployments.
const spinSleepInterval = 100 * time.Millisecond

func spinHint() { time.Sleep(spinSleepInterval) }

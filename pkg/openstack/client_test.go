package openstack

import (
	"net/http"
	"sync"
	"testing"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/stretchr/testify/assert"
)

func TestIsQuotaExceeded(t *testing.T) {
	assert.True(t, isQuotaExceeded(gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusForbidden}))
	assert.True(t, isQuotaExceeded(gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusRequestEntityTooLarge}))
	assert.False(t, isQuotaExceeded(gophercloud.ErrUnexpectedResponseCode{Actual: http.StatusConflict}))
	assert.False(t, isQuotaExceeded(assert.AnError))
}

func TestNameLocksSerializePerName(t *testing.T) {
	locks := newNameLocks()
	var mu sync.Mutex
	counters := map[string]int{}
	maxSeen := map[string]int{}

	var wg sync.WaitGroup
	for range 8 {
		for _, name := range []string{"project_a", "project_b"} {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				unlock := locks.lock(name)
				defer unlock()
				mu.Lock()
				counters[name]++
				if counters[name] > maxSeen[name] {
					maxSeen[name] = counters[name]
				}
				mu.Unlock()
				mu.Lock()
				counters[name]--
				mu.Unlock()
			}(name)
		}
	}
	wg.Wait()

	// At most one holder per name at any time.
	assert.LessOrEqual(t, maxSeen["project_a"], 1)
	assert.LessOrEqual(t, maxSeen["project_b"], 1)
}

func TestKeypairNameShape(t *testing.T) {
	c := &Connector{projectName: "SimpleVM"}
	name := c.keypairName("averylongservername")
	parts := splitN(name)
	assert.Len(t, parts[0], 3)
	assert.Equal(t, "averylongs", parts[1])
	assert.Equal(t, "SimpleVM", parts[2])

	short := c.keypairName("vm1")
	assert.Contains(t, short, "_vm1_SimpleVM")
}

func splitN(name string) []string {
	out := []string{"", "", ""}
	idx := 0
	for _, r := range name {
		if r == '_' && idx < 2 {
			idx++
			continue
		}
		out[idx] += string(r)
	}
	return out
}

package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTableStaleDefaultIsOneMinute(t *testing.T) {
	assert.Equal(t, 60*time.Second, DefaultStaleAfter)
}

func TestTableGetFreshAndStale(t *testing.T) {
	tbl := NewTable(30 * time.Millisecond)
	tbl.Put(Update{NodeID: "peer-a", Cost: 2.5})

	c, low := tbl.Get("peer-a")
	assert.Equal(t, 2.5, c)
	assert.False(t, low)

	time.Sleep(50 * time.Millisecond)

	// aged-out entries read back neutral with low confidence, same as
	// a peer the table never heard from
	c, low = tbl.Get("peer-a")
	assert.Equal(t, 1.0, c)
	assert.True(t, low)

	c, low = tbl.Get("peer-unknown")
	assert.Equal(t, 1.0, c)
	assert.True(t, low)
}

func TestTableForgetDropsPeer(t *testing.T) {
	tbl := NewTable(0)
	tbl.Put(Update{NodeID: "peer-a", Cost: 3.0})
	assert.Equal(t, 1, tbl.Len())

	tbl.Forget("peer-a")
	assert.Equal(t, 0, tbl.Len())
	c, low := tbl.Get("peer-a")
	assert.Equal(t, 1.0, c)
	assert.True(t, low)
}

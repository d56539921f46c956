package store

import (
	"testing"

	"gotest.tools/assert"
)

func TestOpenDashboardStoreIsLazy(t *testing.T) {
	// database/sql.Open (and so sqlx.Open) never dials the network; it
	// only validates the driver name and stores the DSN for first use.
	// A bogus DSN should still succeed here and only fail once a query
	// actually runs against it.
	s, err := OpenDashboardStore("host=does-not-exist port=1 dbname=x sslmode=disable")
	assert.NilError(t, err)
	assert.Assert(t, s != nil)
	assert.NilError(t, s.Close())
}

func TestDashboardStoreCloseOnNil(t *testing.T) {
	var s *DashboardStore
	assert.NilError(t, s.Close())
}

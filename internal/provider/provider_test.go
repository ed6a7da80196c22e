package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/watchledger/internal/model"
)

func TestWrap_ExposesClassAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ErrDatabase, "put", cause)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDatabase)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "put: database error: disk full", err.Error())
	assert.Equal(t, ErrDatabase, ClassOf(fmt.Errorf("outer: %w", err)))
}

func TestWrap_KeepsExistingClass(t *testing.T) {
	inner := Wrap(ErrNetwork, "get", errors.New("connection reset"))
	outer := Wrap(ErrDatabase, "sync", fmt.Errorf("fetching: %w", inner))

	assert.ErrorIs(t, outer, ErrNetwork)
	assert.NotErrorIs(t, outer, ErrDatabase)
}

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(ErrDatabase, "noop", nil))
	assert.Nil(t, ClassOf(errors.New("plain")))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("remote")
	require.NoError(t, err)
	assert.Equal(t, KindRemote, k)

	_, err = ParseKind("cloud")
	assert.ErrorIs(t, err, ErrProvider)
}

func TestComputeStatistics(t *testing.T) {
	st := ComputeStatistics([]model.WatchRecord{
		{ID: "aaaaaaaaaaa", LastSeenAt: 300, Title: "a", ViewCount: 1},
		{ID: "bbbbbbbbbbb", LastSeenAt: 100, Title: "b", ViewCount: 4},
		{ID: "ccccccccccc", LastSeenAt: 200, Title: "c", ViewCount: 1},
	})

	assert.Equal(t, Statistics{
		Count:             3,
		OldestSeenAt:      100,
		NewestSeenAt:      300,
		TotalViews:        6,
		AvgViewsPerRecord: 2,
	}, st)

	assert.Equal(t, Statistics{}, ComputeStatistics(nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "uninitialized", State(99).String())
}

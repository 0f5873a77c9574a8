package forecast

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestrictionApply(t *testing.T) {
	cases := []struct {
		name          string
		r             Restriction
		current, diff float64
		want          float64
	}{
		{"buy from flat", Restriction{IsBuyRestricted: true}, 0, 5, 0},
		{"buy cover allowed", Restriction{IsBuyRestricted: true}, -3, 5, 5},
		{"buy cover", Restriction{IsBuyCoverRestricted: true}, -3, 2, 0},
		{"sell short", Restriction{IsSellShortRestricted: true}, 0, -1, 0},
		{"sell long allowed", Restriction{IsSellShortRestricted: true}, 4, -1, -1},
		{"sell long", Restriction{IsSellLongRestricted: true}, 4, -1, 0},
		{"unrestricted", Restriction{}, 4, -10, -10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.r.Apply(tc.current, tc.diff))
		})
	}
}

func TestRestrictionStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restrictions.json")
	s, err := NewRestrictionStore(path, nil)
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot())

	id, events := s.Subscribe(4)
	snap := <-events
	assert.Equal(t, "snapshot", snap.Type)

	require.NoError(t, s.Set(101, Restriction{IsSellShortRestricted: true}))
	require.NoError(t, s.Set(102, Restriction{IsBuyRestricted: true}))
	require.NoError(t, s.Delete(102))

	ev := <-events
	assert.Equal(t, "set", ev.Type)
	assert.Equal(t, int64(101), ev.AssetID)
	<-events
	ev = <-events
	assert.Equal(t, "delete", ev.Type)
	s.Unsubscribe(id)
	_, open := <-events
	assert.False(t, open)

	reloaded, err := NewRestrictionStore(path, nil)
	require.NoError(t, err)
	r, ok := reloaded.Get(101)
	require.True(t, ok)
	assert.True(t, r.IsSellShortRestricted)
	_, ok = reloaded.Get(102)
	assert.False(t, ok)
}

func TestRestrictionStoreRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restrictions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"abc": {}}`), 0o644))
	_, err := NewRestrictionStore(path, nil)
	assert.ErrorContains(t, err, `asset id "abc"`)

	require.NoError(t, os.WriteFile(path, []byte(`[`), 0o644))
	_, err = NewRestrictionStore(path, nil)
	assert.Error(t, err)
}

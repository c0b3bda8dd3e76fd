package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONMapRoundTrip(t *testing.T) {
	m := JSONMap{"amount": float64(42), "sku": "A-1"}
	value, err := m.Value()
	require.NoError(t, err)

	var decoded JSONMap
	require.NoError(t, decoded.Scan(value))
	require.Equal(t, m, decoded)
}

func TestNilValuesSerializeEmpty(t *testing.T) {
	var m JSONMap
	value, err := m.Value()
	require.NoError(t, err)
	require.Equal(t, "{}", value)

	var l StringList
	value, err = l.Value()
	require.NoError(t, err)
	require.Equal(t, "[]", value)
}

func TestScanHandlesDriverRepresentations(t *testing.T) {
	var m Int64Map
	require.NoError(t, m.Scan([]byte(`{"xp": 10}`)))
	require.Equal(t, int64(10), m["xp"])

	var s StringMap
	require.NoError(t, s.Scan(`{"xp": "silver"}`))
	require.Equal(t, "silver", s["xp"])

	var l DocList
	require.NoError(t, l.Scan(`[{"id": "c1"}]`))
	require.Len(t, l, 1)

	require.NoError(t, m.Scan(nil))
	require.Error(t, m.Scan(12))
}

func TestDocListPreservesOrder(t *testing.T) {
	l := DocList{{"id": "c1"}, {"id": "c2"}, {"id": "c3"}}
	value, err := l.Value()
	require.NoError(t, err)

	var decoded DocList
	require.NoError(t, decoded.Scan(value))
	require.Len(t, decoded, 3)
	for i, doc := range decoded {
		require.Equal(t, l[i]["id"], doc["id"])
	}
}

package cosmos

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"azure-utilities/internal/config"
	"azure-utilities/internal/differential"
)

func TestNormalizePath(t *testing.T) {
	require.Equal(t, "/id", NormalizePath(""))
	require.Equal(t, "/city", NormalizePath("city"))
	require.Equal(t, "/address/city", NormalizePath(" /address/city "))
}

func TestPartitionKeyOf(t *testing.T) {
	doc := Document{
		"id":      "a1",
		"shard":   json.Number("7"),
		"address": map[string]any{"city": "Lisbon"},
	}

	pk, err := PartitionKeyOf(doc, "/id")
	require.NoError(t, err)
	require.Equal(t, azcosmos.NewPartitionKeyString("a1"), pk)

	pk, err = PartitionKeyOf(doc, "address/city")
	require.NoError(t, err)
	require.Equal(t, azcosmos.NewPartitionKeyString("Lisbon"), pk)

	pk, err = PartitionKeyOf(doc, "/shard")
	require.NoError(t, err)
	require.Equal(t, azcosmos.NewPartitionKeyNumber(7), pk)

	_, err = PartitionKeyOf(doc, "/missing")
	require.Error(t, err)
	_, err = PartitionKeyOf(doc, "/id/nested")
	require.Error(t, err)
}

func TestSortByTimestamp(t *testing.T) {
	docs := []Document{{"id": "b", "_ts": json.Number("20")}, {"id": "a", "_ts": json.Number("10")}}
	SortByTimestamp(docs)
	require.Equal(t, "a", docs[0]["id"])

	mixed := []Document{{"id": "b", "_ts": 20}, {"id": "a"}}
	SortByTimestamp(mixed)
	require.Equal(t, "b", mixed[0]["id"], "order is kept when a document lacks _ts")
}

func TestCursorQuery(t *testing.T) {
	q, err := CursorQuery("_ts")
	require.NoError(t, err)
	require.Equal(t, "SELECT * FROM c WHERE c._ts > @cursor", q)

	_, err = CursorQuery("_ts; DROP")
	require.Error(t, err)
}

func TestCursorParam(t *testing.T) {
	require.Equal(t, float64(1700000000), cursorParam(differential.NumberCursor(decimal.NewFromInt(1700000000))))
	require.Equal(t, int64(1700000000), cursorParam(differential.TimeCursor(time.Unix(1700000000, 0))))
	require.Equal(t, "k", cursorParam(differential.StringCursor("k")))
}

func TestNewRequiresEndpointAndKey(t *testing.T) {
	t.Setenv("ACCOUNT_URI", "")
	t.Setenv("ACCOUNT_KEY", "")
	_, err := New(config.CosmosConfig{Database: "db"}, zerolog.Nop())
	require.Error(t, err)
}

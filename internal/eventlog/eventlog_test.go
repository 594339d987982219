package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zilstream/grants-indexer/internal/event"
)

func testEvents() []*event.Event {
	return []*event.Event{
		{
			ChainID:      10,
			ContractName: "AlloV2/Registry",
			Version:      "V1",
			Address:      "0x4aacca72145e1df2aec137e1f3c5e3d75db8b5f3",
			Name:         "ProfileCreated",
			Params: map[string]any{
				"profileId": "0x01",
				"metadata":  map[string]any{"protocol": "1", "pointer": "bafy"},
				"members":   []any{"0xaa", "0xbb"},
			},
			BlockNumber:     100,
			LogIndex:        3,
			TransactionHash: "0xabc",
		},
		{
			ChainID:         10,
			ContractName:    "AlloV2/Allo",
			Version:         "V1",
			Address:         "0x1133ea7af70876e64665ecd07c0a0476d09465a1",
			Name:            "PoolFunded",
			Params:          map[string]any{"poolId": "7", "amount": "5000", "fee": "0"},
			BlockNumber:     120,
			LogIndex:        0,
			TransactionHash: "0xdef",
		},
	}
}

func TestAppendThenReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "10", "events.jsonl")
	l, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(testEvents()))

	var got []*event.Event
	stats, err := l.Replay(context.Background(), func(ev *event.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Events)
	assert.Equal(t, uint64(120), stats.LastBlock)
	assert.Equal(t, testEvents(), got)
}

func TestReplayTruncatesPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(testEvents()[:1]))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"chainId":10,"contract":"AlloV2/Allo","ev`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats, err := l.Replay(context.Background(), func(*event.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Events)

	require.NoError(t, l.Append(testEvents()[1:]))
	stats, err = l.Replay(context.Background(), func(*event.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Events)
}

func TestReplayRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o644))

	l, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Replay(context.Background(), func(*event.Event) error { return nil })
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReplayIgnoresUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	line := `{"chainId":1,"contract":"AlloV1/ProjectRegistry","version":"V2","address":"0x01","event":"ProjectCreated","params":{"projectID":"4"},"blockNumber":9,"logIndex":1,"transactionHash":"0x02","legacyField":true}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0o644))

	l, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	var got *event.Event
	_, err = l.Replay(context.Background(), func(ev *event.Event) error {
		got = ev
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ProjectCreated", got.Name)
	assert.Equal(t, "4", got.Params["projectID"])
}

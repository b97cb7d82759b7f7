package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kraken-core/internal/core"
)

func TestStoreRuntimeStatusRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	disc := time.Now().UTC().Add(-10 * time.Second)
	in := RuntimeStatus{
		Mode:              "paper",
		InstanceID:        "bot1",
		PID:               1234,
		State:             "degraded",
		StartedAt:         time.Now().UTC().Add(-time.Minute),
		LastError:         "dial timeout",
		PublicHealthy:     true,
		FocusSymbols:      3,
		ActiveBreakers:    []string{"spread_blowout"},
		ReconnectAttempts: 2,
		DisconnectedAt:    &disc,
	}
	require.NoError(t, s.SaveRuntimeStatus(in))

	out, ok, err := s.LoadRuntimeStatus()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.InstanceID, out.InstanceID)
	assert.Equal(t, in.State, out.State)
	assert.Equal(t, in.ActiveBreakers, out.ActiveBreakers)
	assert.Equal(t, 3, out.FocusSymbols)
	assert.False(t, out.UpdatedAt.IsZero())
	require.NotNil(t, out.DisconnectedAt)
}

func TestStoreLoadRuntimeStatusNotExist(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, ok, err := s.LoadRuntimeStatus()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreUpsertAppendsPerTablePerDay(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	day := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	s.now = func() time.Time { return day }

	rows := []Row{
		{Key: "BTC/USD", Data: map[string]string{"bid": "50000"}},
		{Key: "ETH/USD", Data: map[string]string{"bid": "3000"}},
	}
	require.NoError(t, s.Upsert(context.Background(), TableTickerFocus, rows))
	require.NoError(t, s.Upsert(context.Background(), TableTickerFocus, rows[:1]))

	f, err := os.Open(filepath.Join(root, TableTickerFocus, "2024-03-01.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	var lines []Row
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var row Row
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		lines = append(lines, row)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "BTC/USD", lines[0].Key)
	assert.True(t, lines[0].Time.Equal(day))

	require.NoError(t, s.Compact(TableTickerFocus, day))
	data, err := os.ReadFile(filepath.Join(root, TableTickerFocus, "2024-03-01.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(data))
}

func TestStoreUpsertRejectsBadTable(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	err = s.Upsert(context.Background(), "../escape", []Row{{Key: "x"}})
	assert.Error(t, err)
}

func TestStoreOpenTicketsRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, ok, err := s.LoadOpenTickets()
	require.NoError(t, err)
	assert.False(t, ok)

	ticket := core.OrderTicket{
		ClientOrderID: "cid-1",
		OrderID:       "OAAAAA-BBBBB-CCCCCC",
		Symbol:        "BTC/USD",
		Side:          core.Buy,
		Type:          core.Limit,
		Size:          decimal.RequireFromString("0.01"),
		LimitPrice:    decimal.RequireFromString("50050"),
		Status:        core.TicketSubmitted,
		Mode:          core.ModeNormal,
	}
	require.NoError(t, s.SaveOpenTickets([]core.OrderTicket{ticket}))
	got, ok, err := s.LoadOpenTickets()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "cid-1", got[0].ClientOrderID)
	assert.True(t, got[0].LimitPrice.Equal(ticket.LimitPrice))
}

type failingSink struct{ calls int }

func (f *failingSink) Upsert(context.Context, string, []Row) error {
	f.calls++
	return errors.New("boom")
}

func TestMultiSinkTriesEverySink(t *testing.T) {
	a, b := &failingSink{}, &failingSink{}
	err := MultiSink{a, Discard{}, nil, b}.Upsert(context.Background(), TableSlippage, []Row{{Key: "k"}})
	require.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kraken-core/internal/core"
)

type OpenTicketsSnapshot struct {
	Tickets   []core.OrderTicket `json:"tickets"`
	UpdatedAt time.Time          `json:"updated_at,omitempty"`
}

type RuntimeStatus struct {
	Mode              string     `json:"mode"`
	InstanceID        string     `json:"instance_id"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastError         string     `json:"last_error,omitempty"`
	PublicHealthy     bool       `json:"public_healthy"`
	PrivateHealthy    bool       `json:"private_healthy"`
	FocusSymbols      int        `json:"focus_symbols"`
	ScoutSymbols      int        `json:"scout_symbols"`
	OpenTickets       int        `json:"open_tickets"`
	ActiveBreakers    []string   `json:"active_breakers,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
}

// Store is the file-backed sink. Rows go to one JSONL file per table per
// UTC day; snapshots are whole-file JSON written atomically.
type Store struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

var tableNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, now: time.Now}, nil
}

func (s *Store) Upsert(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if !tableNamePattern.MatchString(table) {
		return errors.New("invalid table name: " + table)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now().UTC()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if row.Time.IsZero() {
			row.Time = now
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.root, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, now.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	return f.Sync()
}

// SaveOpenTickets replaces the open-ticket snapshot read back at startup.
func (s *Store) SaveOpenTickets(tickets []core.OrderTicket) error {
	payload := OpenTicketsSnapshot{
		Tickets:   tickets,
		UpdatedAt: s.now().UTC(),
	}
	if payload.Tickets == nil {
		payload.Tickets = make([]core.OrderTicket, 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.ticketsPath(), payload)
}

func (s *Store) LoadOpenTickets() ([]core.OrderTicket, bool, error) {
	data, err := os.ReadFile(s.ticketsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, errors.New("open tickets snapshot is empty")
	}
	var snapshot OpenTicketsSnapshot
	if err := json.Unmarshal(trimmed, &snapshot); err != nil {
		return nil, false, err
	}
	return snapshot.Tickets, true, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// Compact rewrites one day file of table keeping only the newest row per key.
func (s *Store) Compact(table string, day time.Time) error {
	if !tableNamePattern.MatchString(table) {
		return errors.New("invalid table name: " + table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.root, table, day.UTC().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	index := make(map[string]int)
	var rows []Row
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(line, &row); err != nil {
			continue
		}
		if i, ok := index[row.Key]; ok && row.Key != "" {
			rows[i] = row
			continue
		}
		index[row.Key] = len(rows)
		rows = append(rows, row)
	}
	return writeJSONLinesAtomic(path, rows)
}

func (s *Store) ticketsPath() string {
	return filepath.Join(s.root, "open_tickets.json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return fsyncDirBestEffort(dir, path)
}

func writeJSONLinesAtomic(path string, entries []Row) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return fsyncDirBestEffort(dir, path)
}

func fsyncDirBestEffort(dir, path string) error {
	d, err := os.Open(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Str("target", path).Msg("store_dir_fsync_skipped")
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Warn().Err(err).Str("dir", dir).Str("target", path).Msg("store_dir_fsync_failed")
	}
	return nil
}

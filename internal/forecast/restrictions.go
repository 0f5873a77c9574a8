package forecast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Restriction flags block trades in one direction for an asset.
type Restriction struct {
	// IsBuyRestricted blocks buys that open or extend a long.
	IsBuyRestricted bool `json:"is_buy_restricted"`
	// IsBuyCoverRestricted blocks buys that cover a short.
	IsBuyCoverRestricted bool `json:"is_buy_cover_restricted"`
	// IsSellShortRestricted blocks sells that open or extend a short.
	IsSellShortRestricted bool `json:"is_sell_short_restricted"`
	// IsSellLongRestricted blocks sells that reduce a long.
	IsSellLongRestricted bool `json:"is_sell_long_restricted"`
}

// Apply returns diff, or zero when the restriction blocks a trade of diff
// shares from a position of current shares.
func (r Restriction) Apply(current, diff float64) float64 {
	switch {
	case r.IsBuyRestricted && current >= 0 && diff > 0,
		r.IsBuyCoverRestricted && current < 0 && diff > 0,
		r.IsSellShortRestricted && current <= 0 && diff < 0,
		r.IsSellLongRestricted && current > 0 && diff < 0:
		return 0
	}
	return diff
}

// RestrictionEvent is broadcast to subscribers on every change.
type RestrictionEvent struct {
	Type        string                `json:"type"` // "snapshot", "set", "delete"
	AssetID     int64                 `json:"asset_id,omitempty"`
	Restriction *Restriction          `json:"restriction,omitempty"`
	Data        map[int64]Restriction `json:"data,omitempty"`
}

// RestrictionStore holds per-asset restrictions in memory, persisted as a
// JSON object keyed by asset id. A store without a file path is memory only.
type RestrictionStore struct {
	mu       sync.RWMutex
	byAsset  map[int64]Restriction
	filePath string
	log      *slog.Logger

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan RestrictionEvent
}

// NewRestrictionStore loads restrictions from filePath. A missing file
// starts empty; a malformed one is an error.
func NewRestrictionStore(filePath string, log *slog.Logger) (*RestrictionStore, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &RestrictionStore{
		byAsset:  make(map[int64]Restriction),
		filePath: filePath,
		log:      log.With("component", "restrictions"),
		subs:     make(map[int]chan RestrictionEvent),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the restriction of an asset.
func (s *RestrictionStore) Get(assetID int64) (Restriction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byAsset[assetID]
	return r, ok
}

// Snapshot returns a copy of all restrictions.
func (s *RestrictionStore) Snapshot() map[int64]Restriction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.byAsset)
}

// Set stores a restriction, persists and broadcasts it.
func (s *RestrictionStore) Set(assetID int64, r Restriction) error {
	s.mu.Lock()
	s.byAsset[assetID] = r
	err := s.flush()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.broadcast(RestrictionEvent{Type: "set", AssetID: assetID, Restriction: &r})
	return nil
}

// Delete removes a restriction, persists and broadcasts the removal.
func (s *RestrictionStore) Delete(assetID int64) error {
	s.mu.Lock()
	delete(s.byAsset, assetID)
	err := s.flush()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.broadcast(RestrictionEvent{Type: "delete", AssetID: assetID})
	return nil
}

// Subscribe returns a channel of change events, starting with a snapshot.
// Slow consumers have events dropped.
func (s *RestrictionStore) Subscribe(bufSize int) (int, <-chan RestrictionEvent) {
	ch := make(chan RestrictionEvent, bufSize+1)
	ch <- RestrictionEvent{Type: "snapshot", Data: s.Snapshot()}
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	s.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *RestrictionStore) Unsubscribe(id int) {
	s.subsMu.Lock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
}

func (s *RestrictionStore) broadcast(e RestrictionEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *RestrictionStore) load() error {
	if s.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading restrictions: %w", err)
	}
	var raw map[string]Restriction
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing restrictions %s: %w", s.filePath, err)
	}
	for k, r := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing restrictions %s: asset id %q: %w", s.filePath, k, err)
		}
		s.byAsset[id] = r
	}
	s.log.Info("loaded restrictions", "assets", len(s.byAsset), "path", s.filePath)
	return nil
}

// flush writes the store to disk. Must be called with mu held.
func (s *RestrictionStore) flush() error {
	if s.filePath == "" {
		return nil
	}
	raw := make(map[string]Restriction, len(s.byAsset))
	for id, r := range s.byAsset {
		raw[strconv.FormatInt(id, 10)] = r
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding restrictions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing restrictions: %w", err)
	}
	return os.Rename(tmp, s.filePath)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package console

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Persisted keys, matching the names the console front-end reads.
const (
	KeyLoginInfo   = "ftAuthLoginInfo"
	KeySelectedBot = "ftSelectedBot"
)

// BotRecord is the console's view of one bot slot.
type BotRecord struct {
	ID           string `json:"id"`
	BotName      string `json:"botName"`
	APIURL       string `json:"apiUrl"`
	Username     string `json:"username"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	AutoRefresh  bool   `json:"autoRefresh"`
	SortIndex    int    `json:"sortIndex"`
}

// HasTokens reports whether both tokens are set.
func (r BotRecord) HasTokens() bool {
	return r.AccessToken != "" && r.RefreshToken != ""
}

// HasAnyToken reports whether either token is set.
func (r BotRecord) HasAnyToken() bool {
	return r.AccessToken != "" || r.RefreshToken != ""
}

// SlotID returns the stable id of the i-th bot (zero-based): bot.1, bot.2, ...
func SlotID(i int) string {
	return "bot." + strconv.Itoa(i+1)
}

// slotIndex parses bot.<n>; unknown ids sort last.
func slotIndex(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "bot."))
	if err != nil || !strings.HasPrefix(id, "bot.") {
		return int(^uint(0) >> 1)
	}
	return n
}

// SortedIDs returns the keys of a slot-keyed map in slot order.
func SortedIDs[V any](records map[string]V) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := slotIndex(ids[i]), slotIndex(ids[j])
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}

// RecordStore is the typed layer over a Store for one console origin.
//
// Writes are read-modify-write under a mutex owned by the RecordStore.
// UpdateRecord touches a single slot, so two updates to different slots never
// lose each other; two updates to the same slot resolve last-writer-wins.
type RecordStore struct {
	store     Store
	namespace string
	mu        sync.Mutex
}

// NewRecordStore scopes store to namespace, normally the console origin.
// An empty namespace uses the bare keys.
func NewRecordStore(store Store, namespace string) *RecordStore {
	return &RecordStore{store: store, namespace: namespace}
}

func (s *RecordStore) key(name string) string {
	if s.namespace == "" {
		return name
	}
	return s.namespace + "|" + name
}

// Records returns the persisted mapping, empty if nothing is stored.
func (s *RecordStore) Records(ctx context.Context) (map[string]BotRecord, error) {
	raw, ok, err := s.store.Get(ctx, s.key(KeyLoginInfo))
	if err != nil {
		return nil, err
	}
	records := make(map[string]BotRecord)
	if !ok || len(raw) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", KeyLoginInfo, err)
	}
	return records, nil
}

// SelectedBot returns the selected slot id.
func (s *RecordStore) SelectedBot(ctx context.Context) (string, bool, error) {
	raw, ok, err := s.store.Get(ctx, s.key(KeySelectedBot))
	if err != nil || !ok || len(raw) == 0 {
		return "", false, err
	}
	return string(raw), true, nil
}

// Merge replaces the persisted mapping with desired when the two differ by
// value, and reports whether it wrote. Slots absent from desired are dropped.
func (s *RecordStore) Merge(ctx context.Context, desired map[string]BotRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Records(ctx)
	if err != nil {
		return false, err
	}
	if maps.Equal(current, desired) {
		return false, nil
	}
	return true, s.write(ctx, desired)
}

// UpdateRecord applies fn to the freshly read record of slot id and writes
// the mapping if fn returns true. Other slots are written back exactly as
// read. It reports false without writing when the slot does not exist.
func (s *RecordStore) UpdateRecord(ctx context.Context, id string, fn func(*BotRecord) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Records(ctx)
	if err != nil {
		return false, err
	}
	rec, ok := current[id]
	if !ok {
		return false, nil
	}
	if !fn(&rec) {
		return false, nil
	}
	rec.ID = id
	current[id] = rec
	return true, s.write(ctx, current)
}

// Select marks id as the selected slot.
func (s *RecordStore) Select(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Put(ctx, s.key(KeySelectedBot), []byte(id))
}

// SelectIfUnset selects id unless a slot is already selected and reports
// whether it wrote.
func (s *RecordStore) SelectIfUnset(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok, err := s.SelectedBot(ctx); err != nil || ok {
		return false, err
	}
	return true, s.store.Put(ctx, s.key(KeySelectedBot), []byte(id))
}

// Clear deletes both keys.
func (s *RecordStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(ctx, s.key(KeyLoginInfo)); err != nil {
		return err
	}
	return s.store.Delete(ctx, s.key(KeySelectedBot))
}

func (s *RecordStore) write(ctx context.Context, records map[string]BotRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode %s: %w", KeyLoginInfo, err)
	}
	return s.store.Put(ctx, s.key(KeyLoginInfo), data)
}

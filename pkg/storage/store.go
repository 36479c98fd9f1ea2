// Copyright 2024 The mqtt-multi-proxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides the durable configuration store for the proxy:
// the set of downstream broker records plus the main broker settings,
// backed by a single JSON file. Every mutation persists synchronously by
// writing the full document to a temporary file and renaming it over the
// target, so readers never observe a torn file. Passwords are encrypted
// at rest and blanked on the read paths used by the admin surface.
//
// Mutations emit change events consumed by the connection manager's
// reconciler; event snapshots carry decrypted credentials so the
// reconciler can dial without touching the store again.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/erikarenhill/mqtt-multi-proxy/pkg/crypto"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/topic"
)

var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("broker not found")

	// ErrDuplicateName is returned when a mutation would produce two
	// records with the same name.
	ErrDuplicateName = errors.New("broker name already exists")

	// ErrInvalid is returned when a record fails validation.
	ErrInvalid = errors.New("invalid broker record")
)

// BrokerRecord is the persistent unit managed by the store. The id is
// generated on create and immutable afterwards; the effective MQTT client
// id of the live connection is derived from ClientIDPrefix and the id.
type BrokerRecord struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Address            string   `json:"address"`
	Port               int      `json:"port"`
	ClientIDPrefix     string   `json:"clientIdPrefix"`
	Username           string   `json:"username,omitempty"`
	Password           string   `json:"password,omitempty"`
	Enabled            bool     `json:"enabled"`
	UseTLS             bool     `json:"useTls"`
	InsecureSkipVerify bool     `json:"insecureSkipVerify"`
	Bidirectional      bool     `json:"bidirectional"`
	Topics             []string `json:"topics"`
	SubscriptionTopics []string `json:"subscriptionTopics"`
	Revision           uint64   `json:"revision"`
}

// MainBrokerSettings is the singleton upstream broker configuration.
type MainBrokerSettings struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	ClientID string `json:"clientId"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// EventKind classifies a change event.
type EventKind int

const (
	// KindCreated signals a newly created broker record.
	KindCreated EventKind = iota
	// KindUpdated signals an updated broker record.
	KindUpdated
	// KindDeleted signals a deleted broker record.
	KindDeleted
	// KindMainUpdated signals a change to the main broker settings.
	KindMainUpdated
)

// String returns the event kind name for logging.
func (k EventKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindUpdated:
		return "updated"
	case KindDeleted:
		return "deleted"
	case KindMainUpdated:
		return "main-updated"
	default:
		return "unknown"
	}
}

// ChangeEvent describes one store mutation. For broker events the Record
// snapshot carries the decrypted password; for KindDeleted only ID is set.
// For KindMainUpdated the Main snapshot carries the decrypted password.
type ChangeEvent struct {
	Kind   EventKind
	ID     string
	Record BrokerRecord
	Main   MainBrokerSettings
}

// persistedFile is the on-disk document layout.
type persistedFile struct {
	MainBroker *MainBrokerSettings `json:"mainBroker,omitempty"`
	Brokers    []BrokerRecord      `json:"brokers"`
}

// Store is the authoritative durable collection of broker records and the
// main broker settings. All mutators serialize under the write lock;
// readers proceed concurrently under the read lock.
type Store struct {
	path   string
	cipher *crypto.Cipher

	mu      sync.RWMutex
	brokers map[string]*BrokerRecord // passwords held encrypted
	main    *MainBrokerSettings      // password held encrypted

	subMu sync.Mutex
	subs  []chan ChangeEvent
}

// Open loads the store from path, creating an empty store when the file
// does not exist. A file that exists but cannot be parsed is a fatal
// condition surfaced to the caller.
func Open(path string, cipher *crypto.Cipher) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	s := &Store{
		path:    path,
		cipher:  cipher,
		brokers: make(map[string]*BrokerRecord),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[INFO] No existing broker store at %s, starting empty", path)
			return s, nil
		}
		return nil, fmt.Errorf("failed to read broker store %s: %w", path, err)
	}

	var file persistedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse broker store %s: %w", path, err)
	}

	for i := range file.Brokers {
		rec := file.Brokers[i]
		s.brokers[rec.ID] = &rec
	}
	s.main = file.MainBroker

	log.Printf("[INFO] Loaded %d broker(s) from %s", len(s.brokers), path)
	return s, nil
}

// Subscribe returns a channel of change events with the given buffer. The
// store never blocks on a slow subscriber: when the buffer is full the
// oldest pending event is discarded and a warning logged.
func (s *Store) Subscribe(buffer int) <-chan ChangeEvent {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ChangeEvent, buffer)

	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()

	return ch
}

func (s *Store) emit(ev ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case dropped := <-ch:
			log.Printf("[WARN] Config change subscriber lagging, dropped %s event for %s", dropped.Kind, dropped.ID)
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// List returns all broker records sorted by name, with passwords blanked.
func (s *Store) List() []BrokerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BrokerRecord, 0, len(s.brokers))
	for _, rec := range s.brokers {
		r := cloneRecord(*rec)
		r.Password = ""
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListWithPasswords returns all broker records with decrypted passwords,
// for the connection manager's initial reconciliation. A record whose
// password fails decryption is surfaced with an empty password and a
// warning; it remains usable for everything but authentication.
func (s *Store) ListWithPasswords() []BrokerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BrokerRecord, 0, len(s.brokers))
	for _, rec := range s.brokers {
		out = append(out, s.decryptRecord(*rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the record for id with the password blanked.
func (s *Store) Get(id string) (BrokerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.brokers[id]
	if !ok {
		return BrokerRecord{}, ErrNotFound
	}
	r := cloneRecord(*rec)
	r.Password = ""
	return r, nil
}

// GetWithPassword returns the record for id with the password decrypted.
func (s *Store) GetWithPassword(id string) (BrokerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.brokers[id]
	if !ok {
		return BrokerRecord{}, ErrNotFound
	}
	return s.decryptRecord(*rec), nil
}

// Create validates the draft, assigns a fresh id, encrypts the password
// and persists. Returns the stored record with the password blanked.
func (s *Store) Create(draft BrokerRecord) (BrokerRecord, error) {
	if err := validateRecord(draft); err != nil {
		return BrokerRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.brokers {
		if rec.Name == draft.Name {
			return BrokerRecord{}, ErrDuplicateName
		}
	}

	rec := cloneRecord(draft)
	rec.ID = uuid.NewString()
	rec.Revision = 1
	if crypto.IsPlaceholder(rec.Password) {
		// The sentinel only makes sense on update; a new record has no
		// prior password to retain.
		rec.Password = ""
	}
	rec.Password = s.cipher.Encrypt(rec.Password)

	s.brokers[rec.ID] = &rec
	if err := s.persistLocked(); err != nil {
		delete(s.brokers, rec.ID)
		return BrokerRecord{}, err
	}

	log.Printf("[INFO] Broker '%s' created (id %s)", rec.Name, rec.ID)
	s.emit(ChangeEvent{Kind: KindCreated, ID: rec.ID, Record: s.decryptRecord(rec)})

	out := cloneRecord(rec)
	out.Password = ""
	return out, nil
}

// Update replaces the record for id with the given values, preserving the
// id and revision history. A password equal to the retain sentinel keeps
// the stored ciphertext untouched; an empty password clears it.
func (s *Store) Update(id string, updated BrokerRecord) (BrokerRecord, error) {
	if err := validateRecord(updated); err != nil {
		return BrokerRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.brokers[id]
	if !ok {
		return BrokerRecord{}, ErrNotFound
	}
	for otherID, rec := range s.brokers {
		if otherID != id && rec.Name == updated.Name {
			return BrokerRecord{}, ErrDuplicateName
		}
	}

	rec := cloneRecord(updated)
	rec.ID = id
	rec.Revision = existing.Revision + 1
	if crypto.IsPlaceholder(rec.Password) {
		rec.Password = existing.Password
	} else {
		rec.Password = s.cipher.Encrypt(rec.Password)
	}

	s.brokers[id] = &rec
	if err := s.persistLocked(); err != nil {
		s.brokers[id] = existing
		return BrokerRecord{}, err
	}

	log.Printf("[INFO] Broker '%s' updated (revision %d)", rec.Name, rec.Revision)
	s.emit(ChangeEvent{Kind: KindUpdated, ID: id, Record: s.decryptRecord(rec)})

	out := cloneRecord(rec)
	out.Password = ""
	return out, nil
}

// Delete removes the record for id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.brokers[id]
	if !ok {
		return ErrNotFound
	}

	delete(s.brokers, id)
	if err := s.persistLocked(); err != nil {
		s.brokers[id] = existing
		return err
	}

	log.Printf("[INFO] Broker '%s' deleted", existing.Name)
	s.emit(ChangeEvent{Kind: KindDeleted, ID: id})
	return nil
}

// SetEnabled flips the enabled gate on a record. It is a single-field
// update and bumps the revision like any other.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.brokers[id]
	if !ok {
		return ErrNotFound
	}

	rec := cloneRecord(*existing)
	rec.Enabled = enabled
	rec.Revision = existing.Revision + 1

	s.brokers[id] = &rec
	if err := s.persistLocked(); err != nil {
		s.brokers[id] = existing
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	log.Printf("[INFO] Broker '%s' %s", rec.Name, state)
	s.emit(ChangeEvent{Kind: KindUpdated, ID: id, Record: s.decryptRecord(rec)})
	return nil
}

// MainBroker returns the main broker settings with the password
// decrypted, or false when none are stored.
func (s *Store) MainBroker() (MainBrokerSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.main == nil {
		return MainBrokerSettings{}, false
	}
	return s.decryptMain(*s.main), true
}

// MainBrokerForAPI returns the main broker settings with the password
// replaced by the retain sentinel when one is stored.
func (s *Store) MainBrokerForAPI() (MainBrokerSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.main == nil {
		return MainBrokerSettings{}, false
	}
	out := *s.main
	if out.Password != "" {
		out.Password = crypto.PasswordPlaceholder
	}
	return out, true
}

// SetMainBroker stores the main broker settings, honoring the retain
// sentinel on the password.
func (s *Store) SetMainBroker(settings MainBrokerSettings) error {
	if settings.Address == "" || settings.Port < 1 || settings.Port > 65535 {
		return ErrInvalid
	}
	if settings.ClientID == "" {
		return ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.main

	stored := settings
	if crypto.IsPlaceholder(stored.Password) {
		if prev != nil {
			stored.Password = prev.Password
		} else {
			stored.Password = ""
		}
	} else {
		stored.Password = s.cipher.Encrypt(stored.Password)
	}

	s.main = &stored
	if err := s.persistLocked(); err != nil {
		s.main = prev
		return err
	}

	log.Printf("[INFO] Main broker settings saved (%s:%d)", stored.Address, stored.Port)
	s.emit(ChangeEvent{Kind: KindMainUpdated, Main: s.decryptMain(stored)})
	return nil
}

// persistLocked writes the full document to a temp file and atomically
// renames it over the target. Callers hold the write lock.
func (s *Store) persistLocked() error {
	file := persistedFile{
		MainBroker: s.main,
		Brokers:    make([]BrokerRecord, 0, len(s.brokers)),
	}
	for _, rec := range s.brokers {
		file.Brokers = append(file.Brokers, cloneRecord(*rec))
	}
	sort.Slice(file.Brokers, func(i, j int) bool { return file.Brokers[i].ID < file.Brokers[j].ID })

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize broker store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp store file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace broker store %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) decryptRecord(rec BrokerRecord) BrokerRecord {
	out := cloneRecord(rec)
	plain, err := s.cipher.Decrypt(out.Password)
	if err != nil {
		log.Printf("[WARN] Failed to decrypt password for broker '%s', loading without credentials", out.Name)
		plain = ""
	}
	out.Password = plain
	return out
}

func (s *Store) decryptMain(m MainBrokerSettings) MainBrokerSettings {
	plain, err := s.cipher.Decrypt(m.Password)
	if err != nil {
		log.Printf("[WARN] Failed to decrypt main broker password, loading without credentials")
		plain = ""
	}
	m.Password = plain
	return m
}

func validateRecord(rec BrokerRecord) error {
	if rec.Name == "" || rec.Address == "" || rec.ClientIDPrefix == "" {
		return ErrInvalid
	}
	if rec.Port < 1 || rec.Port > 65535 {
		return ErrInvalid
	}
	for _, f := range rec.Topics {
		if err := topic.ValidateFilter(f); err != nil {
			return ErrInvalid
		}
	}
	for _, f := range rec.SubscriptionTopics {
		if err := topic.ValidateFilter(f); err != nil {
			return ErrInvalid
		}
	}
	return nil
}

// cloneRecord deep-copies a record so callers never share topic slices
// with the store's map.
func cloneRecord(rec BrokerRecord) BrokerRecord {
	out := rec
	out.Topics = append([]string(nil), rec.Topics...)
	out.SubscriptionTopics = append([]string(nil), rec.SubscriptionTopics...)
	return out
}

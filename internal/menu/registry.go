package menu

import (
	"fmt"
	"log/slog"
	"time"

	"wemp/internal/storage"
)

// FileName is the document name of the menu payload store.
const FileName = "menu-payloads.json"

// Entry is one stored payload.
type Entry struct {
	Payload   Payload `json:"payload"`
	UpdatedAt int64   `json:"updatedAt"` // unix millis
}

// File is the on-disk layout: accounts[accountID][id].
type File struct {
	Version  int                         `json:"version"`
	Accounts map[string]map[string]Entry `json:"accounts"`
}

func newFile() File {
	return File{Version: 1, Accounts: map[string]map[string]Entry{}}
}

// Registry maps (accountID, id) to menu payloads.
type Registry struct {
	store  *storage.Store[File]
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a registry persisted through backend.
func NewRegistry(backend storage.Backend, logger *slog.Logger) *Registry {
	return &Registry{
		store:  storage.New(backend, newFile, logger),
		now:    time.Now,
		logger: logger,
	}
}

// Upsert stores payload under id, replacing any previous entry.
func (r *Registry) Upsert(accountID, id string, payload Payload) error {
	err := r.store.Update(func(f File) File {
		if f.Accounts == nil {
			f.Accounts = map[string]map[string]Entry{}
		}
		if f.Accounts[accountID] == nil {
			f.Accounts[accountID] = map[string]Entry{}
		}
		f.Accounts[accountID][id] = Entry{Payload: payload, UpdatedAt: r.now().UnixMilli()}
		f.Version = 1
		return f
	})
	if err != nil {
		return fmt.Errorf("upsert menu payload %s/%s: %w", accountID, id, err)
	}
	return nil
}

// Get returns the payload stored under id for the account.
func (r *Registry) Get(accountID, id string) (Payload, bool) {
	entry, ok := r.store.Read().Accounts[accountID][id]
	if !ok {
		return Payload{}, false
	}
	return entry.Payload, true
}

// Register stores payload under its derived id and returns the id.
func (r *Registry) Register(accountID string, payload Payload) (string, error) {
	id := MakeID(accountID, payload)
	if err := r.Upsert(accountID, id, payload); err != nil {
		return "", err
	}
	return id, nil
}

// List returns every entry of an account.
func (r *Registry) List(accountID string) map[string]Entry {
	src := r.store.Read().Accounts[accountID]
	out := make(map[string]Entry, len(src))
	for id, e := range src {
		out[id] = e
	}
	return out
}

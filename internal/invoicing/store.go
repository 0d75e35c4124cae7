package invoicing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/UgoRastell/microsaas/internal/pkg/errors"
	"github.com/UgoRastell/microsaas/internal/pkg/security"
)

// Store persists invoices and their payments, keyed by opaque ids.
// Owner scoping happens upstream; the store trusts its ids.
//
// UpdateStatus stamps the matching timestamp on transition: SentAt for
// StatusSent, PaidAt for StatusPaid.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListOverdue(ctx context.Context, asOf time.Time) ([]*Invoice, error)
	UpdateStatus(ctx context.Context, id string, st Status) error
	RecordPayment(ctx context.Context, p *Payment) error
}

// MemoryStore is the in-process Store used in dev mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	invoices map[string]*Invoice
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]*Invoice),
	}
}

// CreateInvoice saves a new invoice. The id must be unused.
func (s *MemoryStore) CreateInvoice(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invoices[inv.ID]; ok {
		return errors.AlreadyExistsError(fmt.Sprintf("invoice %s", inv.ID))
	}
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

// GetInvoice returns a copy of the invoice.
func (s *MemoryStore) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, errors.NotFoundError(fmt.Sprintf("invoice %s", id))
	}
	return inv.Clone(), nil
}

// ListOverdue returns unpaid invoices past due at asOf, oldest due date
// first.
func (s *MemoryStore) ListOverdue(_ context.Context, asOf time.Time) ([]*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Invoice
	for _, inv := range s.invoices {
		if inv.Overdue(asOf) {
			out = append(out, inv.Clone())
		}
	}
	sortByDueDate(out)
	return out, nil
}

// UpdateStatus transitions an invoice and stamps SentAt or PaidAt when
// the new status calls for it.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return errors.NotFoundError(fmt.Sprintf("invoice %s", id))
	}
	applyStatus(inv, st)
	return nil
}

// RecordPayment appends a payment to its invoice.
func (s *MemoryStore) RecordPayment(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[p.InvoiceID]
	if !ok {
		return errors.NotFoundError(fmt.Sprintf("invoice %s", p.InvoiceID))
	}
	inv.Payments = append(inv.Payments, *p)
	inv.Touch()
	return nil
}

// Len returns the number of stored invoices.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.invoices)
}

// FileStore keeps one JSON file per invoice under a directory. It is
// the small-deployment persistence option; payments live inside their
// invoice document. Ids become file names, so they are validated before
// touching the filesystem.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory if needed and returns a store over
// it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.InternalError("creating invoice directory", err)
	}
	return &FileStore{dir: dir}, nil
}

// CreateInvoice writes a new invoice file. The id must be unused.
func (s *FileStore) CreateInvoice(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := security.ValidateID(inv.ID); err != nil {
		return errors.ValidationError(fmt.Sprintf("invalid invoice id: %v", err))
	}
	path := s.path(inv.ID)
	if _, err := os.Stat(path); err == nil {
		return errors.AlreadyExistsError(fmt.Sprintf("invoice %s", inv.ID))
	}
	return s.write(path, inv)
}

// GetInvoice reads one invoice file.
func (s *FileStore) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// ListOverdue scans the directory. Unreadable or malformed files are
// skipped so one corrupt document never hides the rest.
func (s *FileStore) ListOverdue(_ context.Context, asOf time.Time) ([]*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.InternalError("reading invoice directory", err)
	}

	var out []*Invoice
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		inv, err := s.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		if inv.Overdue(asOf) {
			out = append(out, inv)
		}
	}
	sortByDueDate(out)
	return out, nil
}

// UpdateStatus rewrites the invoice file with the new status.
func (s *FileStore) UpdateStatus(_ context.Context, id string, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.read(id)
	if err != nil {
		return err
	}
	applyStatus(inv, st)
	return s.write(s.path(id), inv)
}

// RecordPayment rewrites the invoice file with the payment appended.
func (s *FileStore) RecordPayment(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, err := s.read(p.InvoiceID)
	if err != nil {
		return err
	}
	inv.Payments = append(inv.Payments, *p)
	inv.Touch()
	return s.write(s.path(p.InvoiceID), inv)
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) read(id string) (*Invoice, error) {
	if err := security.ValidateID(id); err != nil {
		return nil, errors.ValidationError(fmt.Sprintf("invalid invoice id: %v", err))
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundError(fmt.Sprintf("invoice %s", id))
		}
		return nil, errors.InternalError("reading invoice", err)
	}
	var inv Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, errors.InternalError("decoding invoice", err)
	}
	return &inv, nil
}

func (s *FileStore) write(path string, inv *Invoice) error {
	data, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return errors.InternalError("encoding invoice", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.InternalError("writing invoice", err)
	}
	return nil
}

func applyStatus(inv *Invoice, st Status) {
	now := time.Now().UTC()
	inv.Status = st
	switch st {
	case StatusSent:
		if inv.SentAt == nil {
			inv.SentAt = &now
		}
	case StatusPaid:
		if inv.PaidAt == nil {
			inv.PaidAt = &now
		}
	}
	inv.UpdatedAt = now
}

func sortByDueDate(invoices []*Invoice) {
	sort.Slice(invoices, func(a, b int) bool {
		if invoices[a].DueAt.Equal(invoices[b].DueAt) {
			return invoices[a].ID < invoices[b].ID
		}
		return invoices[a].DueAt.Before(invoices[b].DueAt)
	})
}

// Package memory is an in-process implementation of store.Store. Partition
// units of work are serialized by a per-partition mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu           sync.RWMutex
	tenants      map[string]models.Tenant
	specialists  map[string]models.Specialist
	patients     map[string]models.Patient
	statuses     map[string]models.DoctorStatus
	tokens       map[string]models.Token
	appointments map[string]models.Appointment

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewStore() *Store {
	return &Store{
		tenants:      make(map[string]models.Tenant),
		specialists:  make(map[string]models.Specialist),
		patients:     make(map[string]models.Patient),
		statuses:     make(map[string]models.DoctorStatus),
		tokens:       make(map[string]models.Token),
		appointments: make(map[string]models.Appointment),
		locks:        make(map[string]*sync.Mutex),
	}
}

func (s *Store) PutTenant(tenant models.Tenant) models.Tenant {
	if tenant.TenantID == "" {
		tenant.TenantID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.TenantID] = tenant
	return tenant
}

func (s *Store) PutSpecialist(specialist models.Specialist) models.Specialist {
	if specialist.SpecialistID == "" {
		specialist.SpecialistID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specialists[specialist.SpecialistID] = specialist
	return specialist
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.tenants[tenantID]
	if !ok {
		return models.Tenant{}, store.ErrTenantNotFound
	}
	return tenant, nil
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tenant := range s.tenants {
		if tenant.Slug == slug {
			return tenant, nil
		}
	}
	return models.Tenant{}, store.ErrTenantNotFound
}

func (s *Store) GetSpecialist(ctx context.Context, tenantID, specialistID string) (models.Specialist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	specialist, ok := s.specialists[specialistID]
	if !ok || specialist.TenantID != tenantID || !specialist.IsActive {
		return models.Specialist{}, store.ErrSpecialistNotFound
	}
	return specialist, nil
}

func (s *Store) ListActiveSpecialists(ctx context.Context, tenantID string) ([]models.Specialist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeSpecialistsLocked(tenantID), nil
}

func (s *Store) activeSpecialistsLocked(tenantID string) []models.Specialist {
	var list []models.Specialist
	for _, specialist := range s.specialists {
		if specialist.TenantID == tenantID && specialist.IsActive {
			list = append(list, specialist)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].SpecialistID < list[j].SpecialistID
	})
	return list
}

func (s *Store) EnsureDefaultSpecialist(ctx context.Context, tenantID string, fallback models.Specialist) (models.Specialist, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return models.Specialist{}, false, store.ErrTenantNotFound
	}
	if active := s.activeSpecialistsLocked(tenantID); len(active) > 0 {
		return active[0], false, nil
	}
	fallback.SpecialistID = uuid.NewString()
	fallback.TenantID = tenantID
	fallback.IsActive = true
	s.specialists[fallback.SpecialistID] = fallback
	return fallback, true, nil
}

func (s *Store) FindPatientByPhone(ctx context.Context, tenantID, phone string) (models.Patient, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Patient
	for _, patient := range s.patients {
		if patient.TenantID != tenantID || patient.Phone != phone {
			continue
		}
		if found == nil || patient.CreatedAt.Before(found.CreatedAt) {
			p := patient
			found = &p
		}
	}
	if found == nil {
		return models.Patient{}, false, nil
	}
	return *found, true, nil
}

func (s *Store) CreatePatient(ctx context.Context, patient models.Patient) (models.Patient, error) {
	if patient.PatientID == "" {
		patient.PatientID = uuid.NewString()
	}
	if patient.CreatedAt.IsZero() {
		patient.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[patient.PatientID] = patient
	return patient, nil
}

func statusKey(tenantID, specialistID string, date time.Time) string {
	return tenantID + "|" + specialistID + "|" + date.Format(models.DateLayout)
}

func (s *Store) GetDoctorStatus(ctx context.Context, tenantID, specialistID string, date time.Time) (models.DoctorStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[statusKey(tenantID, specialistID, date)]
	return status, ok, nil
}

func (s *Store) UpsertDoctorStatus(ctx context.Context, status models.DoctorStatus) (models.DoctorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statusKey(status.TenantID, status.SpecialistID, status.Date)
	if existing, ok := s.statuses[key]; ok {
		status.DoctorStatusID = existing.DoctorStatusID
	} else {
		status.DoctorStatusID = uuid.NewString()
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.statuses[key] = status
	return status, nil
}

func (s *Store) partitionLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *Store) WithinPartition(ctx context.Context, partition models.Partition, fn func(tx store.PartitionTx) error) error {
	lock := s.partitionLock(partition.Key())
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &partitionTx{store: s, partition: partition}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *partitionTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range tx.tokens {
		for _, existing := range s.tokens {
			if existing.PublicID == token.PublicID {
				return store.ErrTokenConflict
			}
			if samePartition(existing, tx.partition) && existing.TokenNumber == token.TokenNumber {
				return store.ErrTokenConflict
			}
		}
	}
	for _, token := range tx.tokens {
		s.tokens[token.TokenID] = token
	}
	for _, appointment := range tx.appointments {
		s.appointments[appointment.TokenID] = appointment
	}
	return nil
}

func samePartition(token models.Token, partition models.Partition) bool {
	return token.TenantID == partition.TenantID &&
		token.SpecialistID == partition.SpecialistID &&
		token.Date.Equal(partition.Date)
}

type partitionTx struct {
	store        *Store
	partition    models.Partition
	tokens       []models.Token
	appointments []models.Appointment
}

func (tx *partitionTx) CountTokens(ctx context.Context) (int, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	count := len(tx.tokens)
	for _, token := range tx.store.tokens {
		if samePartition(token, tx.partition) {
			count++
		}
	}
	return count, nil
}

func (tx *partitionTx) NextTokenNumber(ctx context.Context) (int, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	max := 0
	for _, token := range tx.store.tokens {
		if samePartition(token, tx.partition) && token.TokenNumber > max {
			max = token.TokenNumber
		}
	}
	for _, token := range tx.tokens {
		if token.TokenNumber > max {
			max = token.TokenNumber
		}
	}
	return max + 1, nil
}

func (tx *partitionTx) InsertToken(ctx context.Context, token models.Token) (models.Token, error) {
	if token.TokenID == "" {
		token.TokenID = uuid.NewString()
	}
	now := time.Now().UTC()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = token.CreatedAt
	tx.tokens = append(tx.tokens, token)
	return token, nil
}

func (tx *partitionTx) InsertAppointment(ctx context.Context, appointment models.Appointment) error {
	if appointment.AppointmentID == "" {
		appointment.AppointmentID = uuid.NewString()
	}
	if appointment.CreatedAt.IsZero() {
		appointment.CreatedAt = time.Now().UTC()
	}
	appointment.UpdatedAt = appointment.CreatedAt
	tx.appointments = append(tx.appointments, appointment)
	return nil
}

package memory

import (
	"context"
	"sort"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

func (s *Store) GetToken(ctx context.Context, tenantID, tokenID string) (models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[tokenID]
	if !ok || token.TenantID != tenantID {
		return models.Token{}, store.ErrTokenNotFound
	}
	return s.populateLocked(token), nil
}

func (s *Store) GetTokenByPublicID(ctx context.Context, tenantID, publicID string) (models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, token := range s.tokens {
		if token.TenantID == tenantID && token.PublicID == publicID {
			return s.populateLocked(token), nil
		}
	}
	return models.Token{}, store.ErrTokenNotFound
}

func (s *Store) ListWaiting(ctx context.Context, filter store.QueueFilter) ([]models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	waiting := s.waitingLocked(filter)
	tokens := make([]models.Token, 0, len(waiting))
	for _, token := range waiting {
		tokens = append(tokens, s.populateLocked(token))
	}
	return tokens, nil
}

func (s *Store) waitingLocked(filter store.QueueFilter) []models.Token {
	var tokens []models.Token
	for _, token := range s.tokens {
		if token.Status != models.StatusWaiting || token.TenantID != filter.TenantID || !token.Date.Equal(filter.Date) {
			continue
		}
		if filter.SpecialistID != "" && token.SpecialistID != filter.SpecialistID {
			continue
		}
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		a, b := tokens[i], tokens[j]
		if a.TokenNumber != b.TokenNumber {
			return a.TokenNumber < b.TokenNumber
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.TokenID < b.TokenID
	})
	return tokens
}

func (s *Store) CallNext(ctx context.Context, filter store.QueueFilter, calledAt time.Time) (models.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiting := s.waitingLocked(filter)
	if len(waiting) == 0 {
		return models.Token{}, false, nil
	}
	token := s.applyLocked(waiting[0], store.ActionCallNext, calledAt)
	return s.populateLocked(token), true, nil
}

func (s *Store) TransitionToken(ctx context.Context, input store.TransitionInput) (models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[input.TokenID]
	if !ok || token.TenantID != input.TenantID {
		return models.Token{}, store.ErrTokenNotFound
	}
	if !store.ValidTransition(input.Action, token.Status) {
		return s.populateLocked(token), store.ErrInvalidState
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	token = s.applyLocked(token, input.Action, occurredAt)
	return s.populateLocked(token), nil
}

func (s *Store) applyLocked(token models.Token, action string, at time.Time) models.Token {
	token.Status = store.TargetStatus(action)
	token.UpdatedAt = at
	s.tokens[token.TokenID] = token
	if status, ok := store.AppointmentCascade(action); ok {
		if appointment, found := s.appointments[token.TokenID]; found {
			appointment.Status = status
			appointment.UpdatedAt = at
			s.appointments[token.TokenID] = appointment
		}
	}
	return token
}

func (s *Store) CountTokens(ctx context.Context, filter store.CountFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, token := range s.tokens {
		if token.TenantID != filter.TenantID || !token.Date.Equal(filter.Date) {
			continue
		}
		if filter.SpecialistID != "" && token.SpecialistID != filter.SpecialistID {
			continue
		}
		if filter.Status != "" && token.Status != filter.Status {
			continue
		}
		count++
	}
	return count, nil
}

func (s *Store) ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []models.Token
	for _, token := range s.tokens {
		if token.ExpiresAt == nil || token.ExpiresAt.After(now) {
			continue
		}
		if !store.ValidTransition(store.ActionExpire, token.Status) {
			continue
		}
		expired = append(expired, token)
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *Store) GetAppointmentByToken(ctx context.Context, tenantID, tokenID string) (models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appointment, ok := s.appointments[tokenID]
	if !ok || appointment.TenantID != tenantID {
		return models.Appointment{}, store.ErrTokenNotFound
	}
	return appointment, nil
}

func (s *Store) populateLocked(token models.Token) models.Token {
	if specialist, ok := s.specialists[token.SpecialistID]; ok {
		token.Specialist = &specialist
	}
	if token.PatientID != nil {
		if patient, ok := s.patients[*token.PatientID]; ok {
			token.Patient = &patient
		}
	}
	return token
}

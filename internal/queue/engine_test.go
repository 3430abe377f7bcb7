package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.Type)
	}
	return types
}

type fixture struct {
	engine     *Engine
	store      *memory.Store
	tenant     models.Tenant
	specialist models.Specialist
	clock      *testClock
	events     *recorder
}

var (
	clinicLat = 28.6139
	clinicLng = 77.2090
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.NewStore()
	radius := 100.0
	tenant := st.PutTenant(models.Tenant{
		Slug:                 "sunrise",
		Name:                 "Sunrise Clinic",
		QRActive:             true,
		GeoLat:               &clinicLat,
		GeoLng:               &clinicLng,
		LocationRadiusMeters: &radius,
	})
	specialist := st.PutSpecialist(models.Specialist{TenantID: tenant.TenantID, Name: "Dr. Mehta", Specialty: "General", IsActive: true})

	clock := &testClock{now: time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC)}
	events := &recorder{}
	engine := NewEngine(st, Options{
		Now:       clock.Now,
		Location:  ist,
		Logger:    zerolog.Nop(),
		Publisher: events,
	})

	_, err := engine.SetDoctorStatus(context.Background(), tenant.TenantID, "", models.DoctorIn, "staff-1")
	require.NoError(t, err)

	return &fixture{engine: engine, store: st, tenant: tenant, specialist: specialist, clock: clock, events: events}
}

func request(specialistID, phone string) CreateTokenRequest {
	lat, lng := clinicLat, clinicLng
	return CreateTokenRequest{
		SpecialistID: specialistID,
		Patient: PatientInput{
			Name:  "Asha Rao",
			DOB:   "1990-05-17",
			Phone: phone,
		},
		Location: &LocationInput{Lat: &lat, Lng: &lng},
	}
}

func phone(i int) string {
	return fmt.Sprintf("98765%05d", i)
}

func TestCreateTokenConcurrentNumbersAreGapless(t *testing.T) {
	f := newFixture(t)
	limit := 200
	specialist := f.store.PutSpecialist(models.Specialist{TenantID: f.tenant.TenantID, Name: "Dr. Sen", IsActive: true, MaxTokensPerDay: &limit})

	const n = 80
	var wg sync.WaitGroup
	numbers := make(chan int, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := f.engine.CreateToken(context.Background(), f.tenant.TenantID, request(specialist.SpecialistID, phone(i)))
			if err != nil {
				errs <- err
				return
			}
			numbers <- created.Token.TokenNumber
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	var got []int
	for number := range numbers {
		got = append(got, number)
	}
	sort.Ints(got)
	require.Len(t, got, n)
	for i, number := range got {
		assert.Equal(t, i+1, number)
	}
}

func TestCreateTokenPopulatesTokenAndAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
	require.NoError(t, err)

	token := created.Token
	assert.Equal(t, 1, token.TokenNumber)
	assert.Equal(t, models.StatusWaiting, token.Status)
	assert.Equal(t, models.SourceQRWeb, token.Source)
	assert.Equal(t, "2026-03-14", token.Date.Format(models.DateLayout))
	assert.Len(t, token.PublicID, 12)
	assert.NotContains(t, token.PublicID, token.TokenID)
	require.NotNil(t, token.Specialist)
	assert.Equal(t, f.specialist.SpecialistID, token.Specialist.SpecialistID)
	require.NotNil(t, token.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), *token.ExpiresAt)
	require.NotNil(t, token.CreatedLat)
	assert.Equal(t, clinicLat, *token.CreatedLat)
	assert.Equal(t, 1, created.PositionInQueue)

	appointment, err := f.store.GetAppointmentByToken(ctx, f.tenant.TenantID, token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentWaiting, appointment.Status)
	assert.Equal(t, *token.PatientID, appointment.PatientID)

	second, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(2)))
	require.NoError(t, err)
	assert.Equal(t, 2, second.PositionInQueue)
	assert.NotEqual(t, token.PublicID, second.Token.PublicID)
}

func TestGetQueueIsOrderedAndWaitingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(i)))
		require.NoError(t, err)
	}
	called, ok, err := f.engine.CallNextToken(ctx, f.tenant.TenantID, f.specialist.SpecialistID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, called.TokenNumber)

	queue, err := f.engine.GetQueue(ctx, f.tenant.TenantID, f.specialist.SpecialistID, time.Time{})
	require.NoError(t, err)
	require.Len(t, queue, 4)
	for i, token := range queue {
		assert.Equal(t, models.StatusWaiting, token.Status)
		assert.Equal(t, i+2, token.TokenNumber)
	}
}

func TestGetQueueAcrossSpecialistsIsTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := f.store.PutSpecialist(models.Specialist{TenantID: f.tenant.TenantID, Name: "Dr. Iyer", IsActive: true})
	for i := 0; i < 3; i++ {
		_, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(i)))
		require.NoError(t, err)
		_, err = f.engine.CreateToken(ctx, f.tenant.TenantID, request(other.SpecialistID, phone(10+i)))
		require.NoError(t, err)
	}

	queue, err := f.engine.GetQueue(ctx, f.tenant.TenantID, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, queue, 6)
	for i := 1; i < len(queue); i++ {
		assert.LessOrEqual(t, queue[i-1].TokenNumber, queue[i].TokenNumber)
	}
}

func TestCallNextOnEmptyQueue(t *testing.T) {
	f := newFixture(t)
	token, ok, err := f.engine.CallNextToken(context.Background(), f.tenant.TenantID, f.specialist.SpecialistID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, token.TokenID)
}

func TestConcurrentCallNextOnSingleToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
	require.NoError(t, err)

	type result struct {
		token models.Token
		ok    bool
		err   error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, ok, err := f.engine.CallNextToken(ctx, f.tenant.TenantID, f.specialist.SpecialistID)
			results <- result{token, ok, err}
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for r := range results {
		require.NoError(t, r.err)
		if r.ok {
			winners++
			assert.Equal(t, created.Token.TokenID, r.token.TokenID)
			assert.Equal(t, models.StatusCalled, r.token.Status)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestCallNextCascadesAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
	require.NoError(t, err)

	_, ok, err := f.engine.CallNextToken(ctx, f.tenant.TenantID, "")
	require.NoError(t, err)
	require.True(t, ok)

	appointment, err := f.store.GetAppointmentByToken(ctx, f.tenant.TenantID, created.Token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentInConsultation, appointment.Status)
}

func TestGeofence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
	require.NoError(t, err)

	far := request(f.specialist.SpecialistID, phone(2))
	lat := 28.6229
	far.Location.Lat = &lat
	_, err = f.engine.CreateToken(ctx, f.tenant.TenantID, far)
	require.Error(t, err)

	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, ReasonGeofence, forbidden.Reason)
	require.NotNil(t, forbidden.Distance)
	assert.InDelta(t, 1000, *forbidden.Distance, 50)
	require.NotNil(t, forbidden.Radius)
	assert.Equal(t, 100.0, *forbidden.Radius)
	assert.Contains(t, forbidden.Message, "within 100m")
}

func TestGeofenceSkippedWithoutClinicLocation(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant
	tenant.GeoLat = nil
	tenant.GeoLng = nil
	f.store.PutTenant(tenant)

	far := request(f.specialist.SpecialistID, phone(1))
	lat, lng := 12.9716, 77.5946
	far.Location = &LocationInput{Lat: &lat, Lng: &lng}
	_, err := f.engine.CreateToken(context.Background(), f.tenant.TenantID, far)
	require.NoError(t, err)
}

func TestAvailabilityGate(t *testing.T) {
	ctx := context.Background()

	t.Run("no records reads OUT", func(t *testing.T) {
		f := newFixture(t)
		f.clock.Advance(24 * time.Hour)

		_, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
		var forbidden *ForbiddenError
		require.ErrorAs(t, err, &forbidden)
		assert.Equal(t, ReasonDoctorOut, forbidden.Reason)
	})

	t.Run("specialist IN beats general OUT", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.SetDoctorStatus(ctx, f.tenant.TenantID, "", models.DoctorOut, "staff-1")
		require.NoError(t, err)
		_, err = f.engine.SetDoctorStatus(ctx, f.tenant.TenantID, f.specialist.SpecialistID, models.DoctorIn, "staff-1")
		require.NoError(t, err)

		_, err = f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
		require.NoError(t, err)
	})

	t.Run("general IN overrides specialist OUT", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.SetDoctorStatus(ctx, f.tenant.TenantID, f.specialist.SpecialistID, models.DoctorOut, "staff-1")
		require.NoError(t, err)

		_, err = f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
		require.NoError(t, err)
	})
}

func TestSamePhoneResolvesToSamePatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := request(f.specialist.SpecialistID, "9999999999")
	first.Source = models.SourceStaff
	second := request(f.specialist.SpecialistID, "9999999999")
	second.Source = models.SourceStaff
	second.Patient.Name = "Someone Else"

	a, err := f.engine.CreateToken(ctx, f.tenant.TenantID, first)
	require.NoError(t, err)
	b, err := f.engine.CreateToken(ctx, f.tenant.TenantID, second)
	require.NoError(t, err)

	require.NotNil(t, a.Token.PatientID)
	require.NotNil(t, b.Token.PatientID)
	assert.Equal(t, *a.Token.PatientID, *b.Token.PatientID)
	assert.Equal(t, "Asha Rao", b.Token.Patient.Name)
	assert.Equal(t, models.SourceStaff, b.Token.Source)
}

func TestPublicIntakeRejectsRepeatedDigitPhone(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateToken(context.Background(), f.tenant.TenantID, request(f.specialist.SpecialistID, "9999999999"))
	var validation ValidationErrors
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "patient.phone", validation[0].Field)
}

func TestDailyLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	limit := 1
	specialist := f.store.PutSpecialist(models.Specialist{TenantID: f.tenant.TenantID, Name: "Dr. Capped", IsActive: true, MaxTokensPerDay: &limit})

	_, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(specialist.SpecialistID, phone(1)))
	require.NoError(t, err)

	_, err = f.engine.CreateToken(ctx, f.tenant.TenantID, request(specialist.SpecialistID, phone(2)))
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, ReasonDailyLimit, forbidden.Reason)
	assert.Contains(t, forbidden.Message, "limit reached")

	f.clock.Advance(24 * time.Hour)
	_, err = f.engine.SetDoctorStatus(ctx, f.tenant.TenantID, "", models.DoctorIn, "staff-1")
	require.NoError(t, err)
	next, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(specialist.SpecialistID, phone(3)))
	require.NoError(t, err)
	assert.Equal(t, 1, next.Token.TokenNumber)
	assert.Equal(t, "2026-03-15", next.Token.Date.Format(models.DateLayout))
}

func TestDailyLimitUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	limit := 5
	specialist := f.store.PutSpecialist(models.Specialist{TenantID: f.tenant.TenantID, Name: "Dr. Busy", IsActive: true, MaxTokensPerDay: &limit})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, limited := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.CreateToken(context.Background(), f.tenant.TenantID, request(specialist.SpecialistID, phone(i)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if IsForbidden(err) {
				limited++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 15, limited)
}

func TestCreateTokenResolvesSpecialist(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown specialist", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request("7c9e6679-7425-40de-944b-e07fc1f90ae7", phone(1)))
		assert.True(t, IsNotFound(err))
	})

	t.Run("specialist of another clinic", func(t *testing.T) {
		f := newFixture(t)
		other := f.store.PutTenant(models.Tenant{Slug: "other", Name: "Other", QRActive: true})
		foreign := f.store.PutSpecialist(models.Specialist{SpecialistID: "0b8f4d5e-6b1a-4c55-9b7e-2d7a6f0c1e11", TenantID: other.TenantID, Name: "Dr. Far", IsActive: true})
		_, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(foreign.SpecialistID, phone(1)))
		assert.True(t, IsNotFound(err))
	})

	t.Run("omitted uses first active by name", func(t *testing.T) {
		f := newFixture(t)
		first := f.store.PutSpecialist(models.Specialist{TenantID: f.tenant.TenantID, Name: "Dr. Agarwal", IsActive: true})
		created, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request("", phone(1)))
		require.NoError(t, err)
		assert.Equal(t, first.SpecialistID, created.Token.SpecialistID)
	})

	t.Run("omitted with no specialists creates a default once", func(t *testing.T) {
		f := newFixture(t)
		empty := f.store.PutTenant(models.Tenant{Slug: "empty", Name: "Empty Clinic", QRActive: true})
		_, err := f.engine.SetDoctorStatus(ctx, empty.TenantID, "", models.DoctorIn, "staff-1")
		require.NoError(t, err)

		a, err := f.engine.CreateToken(ctx, empty.TenantID, request("", phone(1)))
		require.NoError(t, err)
		b, err := f.engine.CreateToken(ctx, empty.TenantID, request("", phone(2)))
		require.NoError(t, err)

		assert.Equal(t, a.Token.SpecialistID, b.Token.SpecialistID)
		assert.Equal(t, "General Practitioner", a.Token.Specialist.Name)
		assert.Equal(t, 2, b.Token.TokenNumber)
		specialists, err := f.store.ListActiveSpecialists(ctx, empty.TenantID)
		require.NoError(t, err)
		assert.Len(t, specialists, 1)
	})
}

func TestCreateTokenUnknownTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.CreateToken(context.Background(), "missing", request("", phone(1)))
	assert.True(t, IsNotFound(err))

	specialists, err := f.store.ListActiveSpecialists(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, specialists)
}

func TestQRInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := f.tenant
	tenant.QRActive = false
	f.store.PutTenant(tenant)

	_, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
	var forbidden *ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, ReasonQRInactive, forbidden.Reason)

	staff := request(f.specialist.SpecialistID, phone(1))
	staff.Source = models.SourceStaff
	_, err = f.engine.CreateToken(ctx, f.tenant.TenantID, staff)
	require.NoError(t, err)
}

func TestUpdateTokenStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
	require.NoError(t, err)
	tokenID := created.Token.TokenID

	_, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, tokenID, models.StatusCompleted)
	var transition *TransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, models.StatusWaiting, transition.From)

	_, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, tokenID, models.StatusCalled)
	assert.True(t, IsTransition(err))

	_, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, tokenID, "BOGUS")
	assert.True(t, IsValidation(err))

	_, err = f.engine.UpdateTokenStatus(ctx, "other-tenant", tokenID, models.StatusExpired)
	assert.True(t, IsNotFound(err))

	_, ok, err := f.engine.CallNextToken(ctx, f.tenant.TenantID, f.specialist.SpecialistID)
	require.NoError(t, err)
	require.True(t, ok)

	token, err := f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, tokenID, models.StatusInConsultation)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInConsultation, token.Status)

	token, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, tokenID, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, token.Status)

	appointment, err := f.store.GetAppointmentByToken(ctx, f.tenant.TenantID, tokenID)
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentCompleted, appointment.Status)

	_, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, tokenID, models.StatusExpired)
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, models.StatusCompleted, transition.From)
}

func TestNoShowCascadesAndExpireDoesNot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
	require.NoError(t, err)
	second, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(2)))
	require.NoError(t, err)

	_, _, err = f.engine.CallNextToken(ctx, f.tenant.TenantID, "")
	require.NoError(t, err)
	_, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, first.Token.TokenID, models.StatusNoShow)
	require.NoError(t, err)
	appointment, err := f.store.GetAppointmentByToken(ctx, f.tenant.TenantID, first.Token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentNoShow, appointment.Status)

	_, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, second.Token.TokenID, models.StatusExpired)
	require.NoError(t, err)
	appointment, err = f.store.GetAppointmentByToken(ctx, f.tenant.TenantID, second.Token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, models.AppointmentWaiting, appointment.Status)
}

func TestGetTodayStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		created, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(i)))
		require.NoError(t, err)
		ids = append(ids, created.Token.TokenID)
	}
	_, _, err := f.engine.CallNextToken(ctx, f.tenant.TenantID, "")
	require.NoError(t, err)
	_, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, ids[0], models.StatusInConsultation)
	require.NoError(t, err)
	_, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, ids[0], models.StatusCompleted)
	require.NoError(t, err)
	_, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, ids[3], models.StatusExpired)
	require.NoError(t, err)

	stats, err := f.engine.GetTodayStats(ctx, f.tenant.TenantID, "")
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Total: 4, Waiting: 2, Completed: 1, Expired: 1}, stats)

	_, err = f.engine.GetTodayStats(ctx, "missing", "")
	assert.True(t, IsNotFound(err))
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		created, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(i)))
		require.NoError(t, err)
		ids = append(ids, created.Token.TokenID)
	}
	_, _, err := f.engine.CallNextToken(ctx, f.tenant.TenantID, "")
	require.NoError(t, err)
	_, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, ids[0], models.StatusNoShow)
	require.NoError(t, err)

	expired, err := f.engine.ExpireStale(ctx, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, expired)

	expired, err = f.engine.ExpireStale(ctx, f.clock.Now().Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	token, err := f.store.GetToken(ctx, f.tenant.TenantID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, token.Status)
	token, err = f.store.GetToken(ctx, f.tenant.TenantID, ids[2])
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, token.Status)
}

func TestPublicIDCollisionIsRetriedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids := []string{"duplicate-id", "duplicate-id", "fresh-id-001"}
	var mu sync.Mutex
	f.engine.newPublicID = func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id, nil
	}

	_, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
	require.NoError(t, err)
	retried, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(2)))
	require.NoError(t, err)
	assert.Equal(t, "fresh-id-001", retried.Token.PublicID)
	assert.Equal(t, 2, retried.Token.TokenNumber)

	f.engine.newPublicID = func() (string, error) { return "duplicate-id", nil }
	_, err = f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(3)))
	assert.True(t, IsConflict(err))
	assert.True(t, errors.Is(err, store.ErrTokenConflict))

	f.engine.newPublicID = func() (string, error) { return "another-id-1", nil }
	next, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(4)))
	require.NoError(t, err)
	assert.Equal(t, 3, next.Token.TokenNumber)
}

func TestTokenStatusLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var last CreatedToken
	for i := 0; i < 3; i++ {
		created, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(i)))
		require.NoError(t, err)
		last = created
	}
	_, _, err := f.engine.CallNextToken(ctx, f.tenant.TenantID, "")
	require.NoError(t, err)

	status, err := f.engine.GetTokenStatus(ctx, f.tenant.TenantID, last.Token.PublicID)
	require.NoError(t, err)
	assert.Equal(t, 2, status.PositionInQueue)
	require.NotNil(t, status.Token.Specialist)

	_, err = f.engine.GetTokenByPublicID(ctx, f.tenant.TenantID, "nope")
	assert.True(t, IsNotFound(err))
}

func TestClinicStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
	require.NoError(t, err)

	board, err := f.engine.ClinicStatus(ctx, f.tenant.TenantID)
	require.NoError(t, err)
	assert.Equal(t, "Sunrise Clinic", board.ClinicName)
	require.Len(t, board.Doctors, 1)
	assert.Equal(t, models.DoctorIn, board.Doctors[0].Status)
	assert.Equal(t, 1, board.Doctors[0].WaitingCount)
	assert.Equal(t, 1, board.TokensIssuedToday)
	assert.Equal(t, DefaultMaxTokensPerDay, board.MaxTokensPerDay)
}

func TestSetDoctorStatusValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.SetDoctorStatus(ctx, f.tenant.TenantID, "", "MAYBE", "staff-1")
	assert.True(t, IsValidation(err))

	_, err = f.engine.SetDoctorStatus(ctx, f.tenant.TenantID, "unknown", models.DoctorIn, "staff-1")
	assert.True(t, IsNotFound(err))

	_, err = f.engine.SetDoctorStatus(ctx, "missing", "", models.DoctorIn, "staff-1")
	assert.True(t, IsNotFound(err))
}

func TestEventsArePublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.engine.CreateToken(ctx, f.tenant.TenantID, request(f.specialist.SpecialistID, phone(1)))
	require.NoError(t, err)
	_, _, err = f.engine.CallNextToken(ctx, f.tenant.TenantID, "")
	require.NoError(t, err)
	_, err = f.engine.UpdateTokenStatus(ctx, f.tenant.TenantID, created.Token.TokenID, models.StatusNoShow)
	require.NoError(t, err)

	assert.Equal(t, []string{EventDoctorStatus, EventTokenCreated, EventTokenCalled, EventTokenStatus}, f.events.Types())
}

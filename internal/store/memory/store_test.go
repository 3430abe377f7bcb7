package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

func TestWithinPartitionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	partition := models.Partition{TenantID: "t1", SpecialistID: "s1", Date: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)}

	boom := errors.New("boom")
	err := st.WithinPartition(ctx, partition, func(tx store.PartitionTx) error {
		if _, err := tx.InsertToken(ctx, models.Token{TenantID: "t1", SpecialistID: "s1", Date: partition.Date, TokenNumber: 1, PublicID: "a"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	count, _ := st.CountTokens(ctx, store.CountFilter{TenantID: "t1", Date: partition.Date})
	if count != 0 {
		t.Fatalf("expected rollback, found %d tokens", count)
	}
}

func TestNextTokenNumberConcurrent(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	partition := models.Partition{TenantID: "t1", SpecialistID: "s1", Date: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)}

	const workers = 64
	var wg sync.WaitGroup
	numbers := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = st.WithinPartition(ctx, partition, func(tx store.PartitionTx) error {
				next, err := tx.NextTokenNumber(ctx)
				if err != nil {
					return err
				}
				_, err = tx.InsertToken(ctx, models.Token{
					TenantID: "t1", SpecialistID: "s1", Date: partition.Date,
					TokenNumber: next, PublicID: fmt.Sprintf("p%d", i),
					Status: models.StatusWaiting,
				})
				numbers <- next
				return err
			})
		}(i)
	}
	wg.Wait()
	close(numbers)

	seen := map[int]bool{}
	for n := range numbers {
		if seen[n] {
			t.Fatalf("duplicate number %d", n)
		}
		seen[n] = true
	}
	for i := 1; i <= workers; i++ {
		if !seen[i] {
			t.Fatalf("missing number %d", i)
		}
	}
}

func TestEnsureDefaultSpecialistIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	tenant := st.PutTenant(models.Tenant{Slug: "clinic"})

	first, created, err := st.EnsureDefaultSpecialist(ctx, tenant.TenantID, models.Specialist{Name: "General Practitioner"})
	if err != nil || !created {
		t.Fatalf("expected creation, got created=%v err=%v", created, err)
	}
	second, created, err := st.EnsureDefaultSpecialist(ctx, tenant.TenantID, models.Specialist{Name: "General Practitioner"})
	if err != nil || created {
		t.Fatalf("expected reuse, got created=%v err=%v", created, err)
	}
	if first.SpecialistID != second.SpecialistID {
		t.Fatalf("expected same specialist")
	}
}

func TestUpsertDoctorStatusKeepsSingleRow(t *testing.T) {
	ctx := context.Background()
	st := NewStore()
	day := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

	first, _ := st.UpsertDoctorStatus(ctx, models.DoctorStatus{TenantID: "t1", Date: day, Status: models.DoctorIn, SetBy: "a"})
	second, _ := st.UpsertDoctorStatus(ctx, models.DoctorStatus{TenantID: "t1", Date: day, Status: models.DoctorIn, SetBy: "b"})
	if first.DoctorStatusID != second.DoctorStatusID {
		t.Fatalf("expected the same row to be updated")
	}
	got, ok, _ := st.GetDoctorStatus(ctx, "t1", "", day)
	if !ok || got.SetBy != "b" {
		t.Fatalf("unexpected status %+v", got)
	}
	if len(st.statuses) != 1 {
		t.Fatalf("expected one status row, got %d", len(st.statuses))
	}
}

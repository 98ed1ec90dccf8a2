package assignment_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"safechat/backend/internal/assignment"
	"safechat/backend/internal/errutil"
	"safechat/backend/internal/models"
	"safechat/backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// seedStaff creates n employees with strictly increasing creation times so the
// round-robin order is known.
func seedStaff(t *testing.T, db *gorm.DB, n int) []*models.User {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	staff := make([]*models.User, 0, n)
	for i := 0; i < n; i++ {
		u := testutil.SeedUser(t, db, models.RoleEmployee)
		require.NoError(t, db.Model(u).Update("created_at", base.Add(time.Duration(i)*time.Minute)).Error)
		staff = append(staff, u)
	}
	return staff
}

func seedVerifications(t *testing.T, db *gorm.DB, n int) []*models.Verification {
	t.Helper()
	out := make([]*models.Verification, 0, n)
	for i := 0; i < n; i++ {
		u := testutil.SeedUser(t, db, models.RoleProvider)
		v := &models.Verification{UserID: u.ID}
		require.NoError(t, db.Create(v).Error)
		out = append(out, v)
	}
	return out
}

func countByEmployee(t *testing.T, db *gorm.DB, itemType models.ItemType) map[string]int64 {
	t.Helper()
	var rows []struct {
		EmployeeID string
		Count      int64
	}
	require.NoError(t, db.Model(&models.Assignment{}).
		Select("employee_id, COUNT(*) AS count").
		Where("item_type = ?", itemType).
		Group("employee_id").
		Scan(&rows).Error)
	out := map[string]int64{}
	for _, r := range rows {
		out[r.EmployeeID] = r.Count
	}
	return out
}

// TestAssign_ThreeStaffSixVerifications distributes six verifications evenly
// over three employees.
func TestAssign_ThreeStaffSixVerifications(t *testing.T) {
	// Arrange
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	staff := seedStaff(t, db, 3)
	items := seedVerifications(t, db, 6)
	ctx := context.Background()

	// Act
	var got []string
	for _, v := range items {
		employeeID, err := svc.AssignWork(ctx, v.ID, models.ItemVerification)
		require.NoError(t, err)
		got = append(got, employeeID)
	}

	// Assert
	want := []string{staff[0].ID, staff[1].ID, staff[2].ID, staff[0].ID, staff[1].ID, staff[2].ID}
	assert.Equal(t, want, got)

	counts := countByEmployee(t, db, models.ItemVerification)
	for _, u := range staff {
		assert.Equal(t, int64(2), counts[u.ID])
	}

	var v models.Verification
	require.NoError(t, db.First(&v, "id = ?", items[0].ID).Error)
	require.NotNil(t, v.AssignedEmployeeID)
	assert.Equal(t, staff[0].ID, *v.AssignedEmployeeID)

	var counter models.RoundRobinCounter
	require.NoError(t, db.First(&counter, "assignment_type = ?", string(models.ItemVerification)).Error)
	require.NotNil(t, counter.LastAssignedID)
	assert.Equal(t, staff[2].ID, *counter.LastAssignedID)
}

// TestAssign_Fairness checks that N requests over K staff give everyone
// floor(N/K) or ceil(N/K) items.
func TestAssign_Fairness(t *testing.T) {
	cases := []struct{ n, k int }{{7, 3}, {10, 4}, {5, 5}, {3, 1}, {2, 4}}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("n%d_k%d", tc.n, tc.k), func(t *testing.T) {
			db := testutil.NewTestDB(t)
			svc := assignment.NewService(db, zap.NewNop())
			staff := seedStaff(t, db, tc.k)
			items := seedVerifications(t, db, tc.n)

			for _, v := range items {
				_, err := svc.Assign(context.Background(), assignment.VerificationItem(v.ID))
				require.NoError(t, err)
			}

			floor, ceil := int64(tc.n/tc.k), int64((tc.n+tc.k-1)/tc.k)
			counts := countByEmployee(t, db, models.ItemVerification)
			for _, u := range staff {
				c := counts[u.ID]
				assert.True(t, c == floor || c == ceil, "employee got %d, want %d or %d", c, floor, ceil)
			}
		})
	}
}

// TestAssign_CountersArePerItemType keeps independent cursors per item type.
func TestAssign_CountersArePerItemType(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	staff := seedStaff(t, db, 2)
	items := seedVerifications(t, db, 1)
	seeker := testutil.SeedUser(t, db, models.RoleSeeker)
	provider := testutil.SeedUser(t, db, models.RoleProvider)
	booking := &models.Booking{SeekerID: seeker.ID, ProviderID: provider.ID, Status: models.BookingPending, ScheduledAt: time.Now(), Duration: 30, TokenAmount: 10}
	require.NoError(t, db.Create(booking).Error)

	a1, err := svc.Assign(context.Background(), assignment.VerificationItem(items[0].ID))
	require.NoError(t, err)
	a2, err := svc.Assign(context.Background(), assignment.BookingMonitoringItem(booking.ID))
	require.NoError(t, err)

	assert.Equal(t, staff[0].ID, a1.EmployeeID)
	assert.Equal(t, staff[0].ID, a2.EmployeeID)

	var stored models.Booking
	require.NoError(t, db.First(&stored, "id = ?", booking.ID).Error)
	require.NotNil(t, stored.AssignedEmployeeID)
	assert.Equal(t, staff[0].ID, *stored.AssignedEmployeeID)
}

// TestAssign_RestartsWhenLastAssigneeDeactivated restarts from the first
// position when the previous assignee is no longer eligible.
func TestAssign_RestartsWhenLastAssigneeDeactivated(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	staff := seedStaff(t, db, 3)
	items := seedVerifications(t, db, 3)
	ctx := context.Background()

	first, err := svc.AssignWork(ctx, items[0].ID, models.ItemVerification)
	require.NoError(t, err)
	second, err := svc.AssignWork(ctx, items[1].ID, models.ItemVerification)
	require.NoError(t, err)
	assert.Equal(t, staff[0].ID, first)
	assert.Equal(t, staff[1].ID, second)

	require.NoError(t, db.Model(staff[1]).Update("is_active", false).Error)

	third, err := svc.AssignWork(ctx, items[2].ID, models.ItemVerification)
	require.NoError(t, err)
	assert.Equal(t, staff[0].ID, third)
}

// TestAssign_NoEligibleStaff leaves the item unassigned and writes nothing.
func TestAssign_NoEligibleStaff(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	items := seedVerifications(t, db, 1)

	unverified := testutil.SeedUser(t, db, models.RoleEmployee)
	require.NoError(t, db.Model(unverified).Update("is_verified", false).Error)

	_, err := svc.AssignWork(context.Background(), items[0].ID, models.ItemVerification)

	assert.True(t, errutil.Is(err, errutil.StatusNoEligibleStaff))
	assert.Equal(t, "no staff available", errutil.From(err).Message)

	var n int64
	db.Model(&models.Assignment{}).Count(&n)
	assert.Zero(t, n)

	var v models.Verification
	require.NoError(t, db.First(&v, "id = ?", items[0].ID).Error)
	assert.Nil(t, v.AssignedEmployeeID)
}

func TestAssign_UnknownItem(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	seedStaff(t, db, 1)

	_, err := svc.AssignWork(context.Background(), "missing", models.ItemVerification)
	assert.True(t, errutil.Is(err, errutil.StatusNotFound))

	_, err = svc.AssignWork(context.Background(), "x", models.ItemType("PARCEL"))
	assert.True(t, errutil.Is(err, errutil.StatusValidation))
}

// TestAssign_IdempotentForActiveItem returns the existing assignment without
// moving the cursor.
func TestAssign_IdempotentForActiveItem(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	staff := seedStaff(t, db, 2)
	items := seedVerifications(t, db, 2)
	ctx := context.Background()

	a1, err := svc.Assign(ctx, assignment.VerificationItem(items[0].ID))
	require.NoError(t, err)
	again, err := svc.Assign(ctx, assignment.VerificationItem(items[0].ID))
	require.NoError(t, err)
	assert.Equal(t, a1.ID, again.ID)

	next, err := svc.Assign(ctx, assignment.VerificationItem(items[1].ID))
	require.NoError(t, err)
	assert.Equal(t, staff[1].ID, next.EmployeeID)
}

// TestAssign_Concurrent serializes concurrent requests on the counter.
func TestAssign_Concurrent(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	staff := seedStaff(t, db, 3)
	items := seedVerifications(t, db, 9)

	var wg sync.WaitGroup
	for _, v := range items {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.AssignWork(context.Background(), id, models.ItemVerification)
			assert.NoError(t, err)
		}(v.ID)
	}
	wg.Wait()

	counts := countByEmployee(t, db, models.ItemVerification)
	for _, u := range staff {
		assert.Equal(t, int64(3), counts[u.ID])
	}
}

// TestReassign_MovesWorkAtomically closes the old assignment without completing
// it and updates the denormalized assignee.
func TestReassign_MovesWorkAtomically(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	staff := seedStaff(t, db, 2)
	items := seedVerifications(t, db, 1)
	ctx := context.Background()

	original, err := svc.Assign(ctx, assignment.VerificationItem(items[0].ID))
	require.NoError(t, err)

	moved, err := svc.Reassign(ctx, original.ID, staff[1].ID)
	require.NoError(t, err)

	assert.NotEqual(t, original.ID, moved.ID)
	assert.Equal(t, staff[1].ID, moved.EmployeeID)
	assert.True(t, moved.IsActive)

	var old models.Assignment
	require.NoError(t, db.First(&old, "id = ?", original.ID).Error)
	assert.False(t, old.IsActive)
	assert.Nil(t, old.CompletedAt)

	var active int64
	db.Model(&models.Assignment{}).Where("item_id = ? AND is_active = ?", items[0].ID, true).Count(&active)
	assert.Equal(t, int64(1), active)

	var v models.Verification
	require.NoError(t, db.First(&v, "id = ?", items[0].ID).Error)
	assert.Equal(t, staff[1].ID, *v.AssignedEmployeeID)
}

func TestReassign_Rejections(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	staff := seedStaff(t, db, 2)
	items := seedVerifications(t, db, 1)
	seeker := testutil.SeedUser(t, db, models.RoleSeeker)
	ctx := context.Background()

	a, err := svc.Assign(ctx, assignment.VerificationItem(items[0].ID))
	require.NoError(t, err)

	_, err = svc.Reassign(ctx, "missing", staff[1].ID)
	assert.True(t, errutil.Is(err, errutil.StatusNotFound))

	_, err = svc.Reassign(ctx, a.ID, staff[0].ID)
	assert.True(t, errutil.Is(err, errutil.StatusValidation))

	_, err = svc.Reassign(ctx, a.ID, seeker.ID)
	assert.True(t, errutil.Is(err, errutil.StatusValidation))

	_, err = svc.Reassign(ctx, a.ID, "ghost")
	assert.True(t, errutil.Is(err, errutil.StatusNotFound))

	_, err = svc.Reassign(ctx, a.ID, staff[1].ID)
	require.NoError(t, err)
	_, err = svc.Reassign(ctx, a.ID, staff[0].ID)
	assert.True(t, errutil.Is(err, errutil.StatusValidation), "closed assignment cannot be reassigned again")
}

// TestReassign_ConcurrentKeepsOneActive races reassignments of one assignment.
func TestReassign_ConcurrentKeepsOneActive(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	staff := seedStaff(t, db, 4)
	items := seedVerifications(t, db, 1)

	a, err := svc.Assign(context.Background(), assignment.VerificationItem(items[0].ID))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for _, u := range staff[1:] {
		wg.Add(1)
		go func(employeeID string) {
			defer wg.Done()
			if _, err := svc.Reassign(context.Background(), a.ID, employeeID); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(u.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	var active int64
	db.Model(&models.Assignment{}).Where("item_id = ? AND is_active = ?", items[0].ID, true).Count(&active)
	assert.Equal(t, int64(1), active)
}

func TestComplete_ClosesWithTimestamp(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	seedStaff(t, db, 1)
	items := seedVerifications(t, db, 1)
	ctx := context.Background()

	_, err := svc.Assign(ctx, assignment.VerificationItem(items[0].ID))
	require.NoError(t, err)

	done, err := svc.Complete(ctx, items[0].ID, models.ItemVerification)
	require.NoError(t, err)
	assert.False(t, done.IsActive)
	assert.NotNil(t, done.CompletedAt)

	_, err = svc.ActiveFor(ctx, items[0].ID, models.ItemVerification)
	assert.True(t, errutil.Is(err, errutil.StatusNotFound))

	_, err = svc.Complete(ctx, items[0].ID, models.ItemVerification)
	assert.True(t, errutil.Is(err, errutil.StatusNotFound))
}

// TestWorkload_CountsOnlyActive ignores closed assignments.
func TestWorkload_CountsOnlyActive(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	staff := seedStaff(t, db, 2)
	items := seedVerifications(t, db, 4)
	ctx := context.Background()

	for _, v := range items {
		_, err := svc.Assign(ctx, assignment.VerificationItem(v.ID))
		require.NoError(t, err)
	}
	// staff[0] holds items 0 and 2
	_, err := svc.Complete(ctx, items[0].ID, models.ItemVerification)
	require.NoError(t, err)

	w, err := svc.Workload(ctx, staff[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Total)
	assert.Equal(t, int64(1), w.ByType[models.ItemVerification])

	all, err := svc.WorkloadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, staff[0].ID, all[0].EmployeeID)
	assert.Equal(t, int64(1), all[0].Total)
	assert.Equal(t, staff[1].ID, all[1].EmployeeID)
	assert.Equal(t, int64(2), all[1].Total)

	idle := testutil.SeedUser(t, db, models.RoleManager)
	w, err = svc.Workload(ctx, idle.ID)
	require.NoError(t, err)
	assert.Zero(t, w.Total)
}

// TestAssignTo_LeavesCursorAlone binds a flagged message to a chosen employee.
func TestAssignTo_LeavesCursorAlone(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	staff := seedStaff(t, db, 2)
	items := seedVerifications(t, db, 1)
	seeker := testutil.SeedUser(t, db, models.RoleSeeker)
	provider := testutil.SeedUser(t, db, models.RoleProvider)
	booking := &models.Booking{SeekerID: seeker.ID, ProviderID: provider.ID, Status: models.BookingConfirmed, ScheduledAt: time.Now(), Duration: 30, TokenAmount: 10}
	require.NoError(t, db.Create(booking).Error)
	msg := &models.Message{BookingID: booking.ID, Seq: 1, SenderID: seeker.ID, Content: "call me", IsFlagged: true}
	require.NoError(t, db.Create(msg).Error)
	ctx := context.Background()

	a, err := svc.AssignTo(ctx, assignment.FlaggedMessageItem(msg.ID), staff[1].ID)
	require.NoError(t, err)
	assert.Equal(t, staff[1].ID, a.EmployeeID)

	again, err := svc.AssignTo(ctx, assignment.FlaggedMessageItem(msg.ID), staff[0].ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)

	_, err = svc.AssignTo(ctx, assignment.FlaggedMessageItem("missing"), staff[0].ID)
	assert.True(t, errutil.Is(err, errutil.StatusNotFound))

	next, err := svc.AssignWork(ctx, items[0].ID, models.ItemVerification)
	require.NoError(t, err)
	assert.Equal(t, staff[0].ID, next)
}

// TestAssignTo_LostRaceReturnsWinner replays an AssignTo whose active lookup
// ran before a concurrent assignment committed.
func TestAssignTo_LostRaceReturnsWinner(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := assignment.NewService(db, zap.NewNop())
	staff := seedStaff(t, db, 2)
	seeker := testutil.SeedUser(t, db, models.RoleSeeker)
	provider := testutil.SeedUser(t, db, models.RoleProvider)
	booking := &models.Booking{SeekerID: seeker.ID, ProviderID: provider.ID, Status: models.BookingConfirmed, ScheduledAt: time.Now(), Duration: 30, TokenAmount: 10}
	require.NoError(t, db.Create(booking).Error)
	msg := &models.Message{BookingID: booking.ID, Seq: 1, SenderID: seeker.ID, Content: "text me", IsFlagged: true}
	require.NoError(t, db.Create(msg).Error)
	ctx := context.Background()

	winner, err := svc.AssignTo(ctx, assignment.FlaggedMessageItem(msg.ID), staff[0].ID)
	require.NoError(t, err)

	testutil.HideNextLookup(t, db, "assignments")
	got, err := svc.AssignTo(ctx, assignment.FlaggedMessageItem(msg.ID), staff[1].ID)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)
	assert.Equal(t, staff[0].ID, got.EmployeeID)

	var active int64
	require.NoError(t, db.Model(&models.Assignment{}).
		Where("item_id = ? AND is_active = ?", msg.ID, true).Count(&active).Error)
	assert.Equal(t, int64(1), active)
}

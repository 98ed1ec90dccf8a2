// Package assignment distributes moderation, verification and monitoring work
// across eligible staff in round-robin order.
//
// The cursor for each item type is a RoundRobinCounter row. It is locked for
// the whole assignment, and the counter update commits with the Assignment row,
// so concurrent requests and instances never advance from the same position.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"safechat/backend/internal/errutil"
	"safechat/backend/internal/metrics"
	"safechat/backend/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Workload is the number of active assignments held by one employee.
type Workload struct {
	EmployeeID string                    `json:"employee_id"`
	Total      int64                     `json:"total"`
	ByType     map[models.ItemType]int64 `json:"by_type"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewService creates a new assignment service.
func NewService(db *gorm.DB, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, log: log.Named("assignment")}
}

// AssignWork assigns the item to the next eligible staff member and returns
// the employee id.
func (s *Service) AssignWork(ctx context.Context, itemID string, itemType models.ItemType) (string, error) {
	item, err := ItemFor(itemID, itemType)
	if err != nil {
		return "", err
	}
	a, err := s.Assign(ctx, item)
	if err != nil {
		return "", err
	}
	return a.EmployeeID, nil
}

// Assign binds the item to the next staff member in round-robin order. When
// the item already has an active assignment it is returned unchanged and the
// cursor does not move. With no eligible staff nothing is written.
func (s *Service) Assign(ctx context.Context, item WorkItem) (*models.Assignment, error) {
	var result models.Assignment
	reused := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counter, err := lockCounter(tx, item.Type)
		if err != nil {
			return err
		}

		err = tx.Where("item_id = ? AND item_type = ? AND is_active = ?", item.ID, item.Type, true).
			First(&result).Error
		if err == nil {
			reused = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("look up active assignment: %w", err)
		}

		if err := item.check(tx); err != nil {
			return err
		}

		staff, err := eligibleStaff(tx)
		if err != nil {
			return err
		}
		next := pickNext(staff, counter.LastAssignedID)
		if next == nil {
			return errutil.NoEligibleStaff(string(item.Type))
		}

		result = models.Assignment{
			EmployeeID: next.ID,
			ItemID:     item.ID,
			ItemType:   item.Type,
			IsActive:   true,
			AssignedAt: time.Now().UTC(),
		}
		if err := tx.Create(&result).Error; err != nil {
			return fmt.Errorf("create assignment: %w", err)
		}
		if err := item.bind(tx, next.ID); err != nil {
			return err
		}

		res := tx.Model(&models.RoundRobinCounter{}).
			Where("assignment_type = ?", string(item.Type)).
			Updates(map[string]interface{}{"last_assigned_id": next.ID, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return fmt.Errorf("advance round robin counter: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return errutil.InvariantViolation("round robin counter missing",
				errutil.WithField("item_type", string(item.Type)))
		}
		return nil
	})
	if err != nil {
		metrics.Assignments.WithLabelValues(string(item.Type), outcome(err)).Inc()
		s.logFailure("assign failed", err, zap.String("item_id", item.ID), zap.String("item_type", string(item.Type)))
		return nil, err
	}

	if reused {
		s.log.Debug("item already assigned",
			zap.String("item_id", item.ID),
			zap.String("employee_id", result.EmployeeID))
		return &result, nil
	}

	metrics.Assignments.WithLabelValues(string(item.Type), outcome(nil)).Inc()
	s.log.Info("work assigned",
		zap.String("assignment_id", result.ID),
		zap.String("item_id", item.ID),
		zap.String("item_type", string(item.Type)),
		zap.String("employee_id", result.EmployeeID))
	return &result, nil
}

// AssignTo binds the item to a chosen employee without moving the round-robin
// cursor. An item that is already assigned keeps its assignment.
func (s *Service) AssignTo(ctx context.Context, item WorkItem, employeeID string) (*models.Assignment, error) {
	var result models.Assignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("item_id = ? AND item_type = ? AND is_active = ?", item.ID, item.Type, true).
			First(&result).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("look up active assignment: %w", err)
		}
		if err := item.check(tx); err != nil {
			return err
		}
		employee, err := loadEligible(tx, employeeID)
		if err != nil {
			return err
		}

		result = models.Assignment{
			EmployeeID: employee.ID,
			ItemID:     item.ID,
			ItemType:   item.Type,
			IsActive:   true,
			AssignedAt: time.Now().UTC(),
		}
		if err := tx.Create(&result).Error; err != nil {
			return fmt.Errorf("create assignment: %w", err)
		}
		return item.bind(tx, employee.ID)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A concurrent call assigned the item first; keep its assignment.
		if existing, lookupErr := s.ActiveFor(ctx, item.ID, item.Type); lookupErr == nil {
			return existing, nil
		}
	}
	metrics.Assignments.WithLabelValues(string(item.Type), outcome(err)).Inc()
	if err != nil {
		s.logFailure("direct assign failed", err, zap.String("item_id", item.ID), zap.String("employee_id", employeeID))
		return nil, err
	}
	return &result, nil
}

// Reassign closes the active assignment and opens a new one for the same item
// under newEmployeeID, in one transaction. The closed assignment keeps a nil
// CompletedAt because the work itself is not done.
func (s *Service) Reassign(ctx context.Context, assignmentID, newEmployeeID string) (*models.Assignment, error) {
	var result models.Assignment

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Assignment
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, "id = ?", assignmentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("Assignment", assignmentID)
		}
		if err != nil {
			return fmt.Errorf("lock assignment %s: %w", assignmentID, err)
		}
		if !current.IsActive {
			return errutil.Validation("assignment is no longer active", errutil.WithField("assignment_id", assignmentID))
		}
		if current.EmployeeID == newEmployeeID {
			return errutil.Validation("item is already assigned to this employee", errutil.WithField("employee_id", newEmployeeID))
		}

		employee, err := loadEligible(tx, newEmployeeID)
		if err != nil {
			return err
		}

		item, err := ItemFor(current.ItemID, current.ItemType)
		if err != nil {
			return err
		}

		res := tx.Model(&models.Assignment{}).
			Where("id = ? AND is_active = ?", current.ID, true).
			Update("is_active", false)
		if res.Error != nil {
			return fmt.Errorf("close assignment %s: %w", current.ID, res.Error)
		}
		if res.RowsAffected != 1 {
			return errutil.InvariantViolation("active assignment changed under lock",
				errutil.WithField("assignment_id", current.ID))
		}

		result = models.Assignment{
			EmployeeID: employee.ID,
			ItemID:     current.ItemID,
			ItemType:   current.ItemType,
			IsActive:   true,
			AssignedAt: time.Now().UTC(),
		}
		if err := tx.Create(&result).Error; err != nil {
			return fmt.Errorf("create assignment: %w", err)
		}
		return item.bind(tx, employee.ID)
	})
	if err != nil {
		s.logFailure("reassign failed", err, zap.String("assignment_id", assignmentID), zap.String("employee_id", newEmployeeID))
		return nil, err
	}

	s.log.Info("work reassigned",
		zap.String("from_assignment_id", assignmentID),
		zap.String("assignment_id", result.ID),
		zap.String("employee_id", result.EmployeeID))
	return &result, nil
}

// Complete closes the active assignment of an item whose work is done.
func (s *Service) Complete(ctx context.Context, itemID string, itemType models.ItemType) (*models.Assignment, error) {
	var result models.Assignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("item_id = ? AND item_type = ? AND is_active = ?", itemID, itemType, true).
			First(&result).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errutil.NotFound("Assignment", itemID, errutil.WithField("item_type", string(itemType)))
		}
		if err != nil {
			return fmt.Errorf("lock assignment for %s: %w", itemID, err)
		}

		now := time.Now().UTC()
		result.IsActive = false
		result.CompletedAt = &now
		return tx.Model(&models.Assignment{}).
			Where("id = ?", result.ID).
			Updates(map[string]interface{}{"is_active": false, "completed_at": now}).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("work completed",
		zap.String("assignment_id", result.ID),
		zap.String("item_id", itemID),
		zap.String("item_type", string(itemType)))
	return &result, nil
}

// ActiveFor returns the active assignment of an item.
func (s *Service) ActiveFor(ctx context.Context, itemID string, itemType models.ItemType) (*models.Assignment, error) {
	var a models.Assignment
	err := s.db.WithContext(ctx).
		Where("item_id = ? AND item_type = ? AND is_active = ?", itemID, itemType, true).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("Assignment", itemID, errutil.WithField("item_type", string(itemType)))
	}
	if err != nil {
		return nil, fmt.Errorf("get active assignment for %s: %w", itemID, err)
	}
	return &a, nil
}

// LastFor returns the most recent assignment of an item, active or not.
func (s *Service) LastFor(ctx context.Context, itemID string, itemType models.ItemType) (*models.Assignment, error) {
	var a models.Assignment
	err := s.db.WithContext(ctx).
		Where("item_id = ? AND item_type = ?", itemID, itemType).
		Order("assigned_at DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("Assignment", itemID, errutil.WithField("item_type", string(itemType)))
	}
	if err != nil {
		return nil, fmt.Errorf("get last assignment for %s: %w", itemID, err)
	}
	return &a, nil
}

type workloadRow struct {
	EmployeeID string
	ItemType   models.ItemType
	Count      int64
}

// Workload counts the employee's active assignments by item type.
func (s *Service) Workload(ctx context.Context, employeeID string) (*Workload, error) {
	var rows []workloadRow
	if err := s.db.WithContext(ctx).Model(&models.Assignment{}).
		Select("employee_id, item_type, COUNT(*) AS count").
		Where("employee_id = ? AND is_active = ?", employeeID, true).
		Group("employee_id, item_type").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("workload of %s: %w", employeeID, err)
	}

	w := &Workload{EmployeeID: employeeID, ByType: map[models.ItemType]int64{}}
	for _, r := range rows {
		w.ByType[r.ItemType] += r.Count
		w.Total += r.Count
	}
	return w, nil
}

// WorkloadAll returns the workload of every eligible staff member, including
// those with nothing assigned, plus anyone still holding active work.
func (s *Service) WorkloadAll(ctx context.Context) ([]Workload, error) {
	db := s.db.WithContext(ctx)

	staff, err := eligibleStaff(db)
	if err != nil {
		return nil, err
	}

	var rows []workloadRow
	if err := db.Model(&models.Assignment{}).
		Select("employee_id, item_type, COUNT(*) AS count").
		Where("is_active = ?", true).
		Group("employee_id, item_type").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("workload: %w", err)
	}

	index := make(map[string]int, len(staff))
	out := make([]Workload, 0, len(staff))
	for _, u := range staff {
		index[u.ID] = len(out)
		out = append(out, Workload{EmployeeID: u.ID, ByType: map[models.ItemType]int64{}})
	}
	for _, r := range rows {
		i, ok := index[r.EmployeeID]
		if !ok {
			i = len(out)
			index[r.EmployeeID] = i
			out = append(out, Workload{EmployeeID: r.EmployeeID, ByType: map[models.ItemType]int64{}})
		}
		out[i].ByType[r.ItemType] += r.Count
		out[i].Total += r.Count
	}
	return out, nil
}

// lockCounter returns the counter row of itemType locked for update, creating
// it first when this is the first assignment of the type.
func lockCounter(tx *gorm.DB, itemType models.ItemType) (*models.RoundRobinCounter, error) {
	seed := models.RoundRobinCounter{AssignmentType: string(itemType)}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("create round robin counter: %w", err)
	}

	var counter models.RoundRobinCounter
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&counter, "assignment_type = ?", string(itemType)).Error; err != nil {
		return nil, fmt.Errorf("lock round robin counter: %w", err)
	}
	return &counter, nil
}

func eligibleStaff(db *gorm.DB) ([]models.User, error) {
	var staff []models.User
	if err := db.
		Where("role IN ? AND is_active = ? AND is_verified = ?", models.StaffRoles, true, true).
		Order("created_at ASC, id ASC").
		Find(&staff).Error; err != nil {
		return nil, fmt.Errorf("list eligible staff: %w", err)
	}
	return staff, nil
}

func loadEligible(tx *gorm.DB, employeeID string) (*models.User, error) {
	var u models.User
	err := tx.First(&u, "id = ?", employeeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound("Employee", employeeID)
	}
	if err != nil {
		return nil, fmt.Errorf("get employee %s: %w", employeeID, err)
	}
	if !u.Role.IsStaff() || !u.IsActive || !u.IsVerified {
		return nil, errutil.Validation("employee is not eligible for assignments", errutil.WithField("employee_id", employeeID))
	}
	return &u, nil
}

// pickNext selects the staff member after lastID, wrapping around. It restarts
// at the first member when lastID is unset or no longer eligible.
func pickNext(staff []models.User, lastID *string) *models.User {
	if len(staff) == 0 {
		return nil
	}
	if lastID != nil {
		for i := range staff {
			if staff[i].ID == *lastID {
				return &staff[(i+1)%len(staff)]
			}
		}
	}
	return &staff[0]
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(errutil.StatusOf(err)))
}

func (s *Service) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	switch {
	case errutil.Is(err, errutil.StatusInvariantViolation), errutil.Is(err, errutil.StatusInternal):
		s.log.Error(msg, fields...)
	default:
		s.log.Warn(msg, fields...)
	}
}

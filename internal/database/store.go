package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wardenhq/warden/internal/database/models"
	"github.com/wardenhq/warden/internal/database/types"
	"go.uber.org/zap"
)

// ErrRecordNotFound indicates the requested user record does not exist.
var ErrRecordNotFound = models.ErrRecordNotFound

// RecordRef is a loaded user record following the load-mutate-commit
// pattern: callers mutate Data() and must call Commit to persist.
type RecordRef interface {
	// Data returns the in-memory record state.
	Data() *types.UserRecord
	// Commit persists the current in-memory state.
	Commit(ctx context.Context) error
}

// UserStore is the persistent user store consumed by the reconciliation
// engines. Absent records surface as ErrRecordNotFound, never as nil refs.
type UserStore interface {
	// GetUserRecord loads a single record by (guild, user) key.
	GetUserRecord(ctx context.Context, guildID, userID uint64) (RecordRef, error)
	// GetOrCreateUserRecord loads a record, creating it from the template
	// when absent.
	GetOrCreateUserRecord(ctx context.Context, template *types.UserRecord) (RecordRef, error)
	// GetBatchUserRecords loads records for the given users in one query.
	// Missing users are absent from the result map.
	GetBatchUserRecords(ctx context.Context, guildID uint64, userIDs []uint64) (map[uint64]RecordRef, error)
	// CreateUserRecord inserts a new record.
	CreateUserRecord(ctx context.Context, record *types.UserRecord) (RecordRef, error)
	// GetUsersByBirthday finds records whose birthday key falls within
	// at±tolerance, ignoring the birth year.
	GetUsersByBirthday(ctx context.Context, guildID uint64, at time.Time, tolerance time.Duration) ([]RecordRef, error)
}

// UserService implements UserStore on top of the user model.
type UserService struct {
	model  *models.UserModel
	logger *zap.Logger
}

// NewUserService creates a UserService.
func NewUserService(model *models.UserModel, logger *zap.Logger) *UserService {
	return &UserService{
		model:  model,
		logger: logger.Named("user_store"),
	}
}

// recordRef binds a loaded record to the model that persists it.
type recordRef struct {
	data  *types.UserRecord
	model *models.UserModel
}

func (r *recordRef) Data() *types.UserRecord {
	return r.data
}

func (r *recordRef) Commit(ctx context.Context) error {
	return r.model.SaveUser(ctx, r.data)
}

// GetUserRecord loads a single record by (guild, user) key.
func (s *UserService) GetUserRecord(ctx context.Context, guildID, userID uint64) (RecordRef, error) {
	record, err := s.model.GetUser(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}

	return &recordRef{data: record, model: s.model}, nil
}

// GetOrCreateUserRecord loads a record, creating it from the template when absent.
func (s *UserService) GetOrCreateUserRecord(ctx context.Context, template *types.UserRecord) (RecordRef, error) {
	ref, err := s.GetUserRecord(ctx, template.GuildID, template.UserID)
	if err == nil {
		return ref, nil
	}

	if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	return s.CreateUserRecord(ctx, template)
}

// GetBatchUserRecords loads records for the given users in one query.
func (s *UserService) GetBatchUserRecords(
	ctx context.Context, guildID uint64, userIDs []uint64,
) (map[uint64]RecordRef, error) {
	records, err := s.model.GetUsers(ctx, guildID, userIDs)
	if err != nil {
		return nil, err
	}

	refs := make(map[uint64]RecordRef, len(records))
	for userID, record := range records {
		refs[userID] = &recordRef{data: record, model: s.model}
	}

	return refs, nil
}

// CreateUserRecord inserts a new record.
func (s *UserService) CreateUserRecord(ctx context.Context, record *types.UserRecord) (RecordRef, error) {
	if err := s.model.CreateUser(ctx, record); err != nil {
		return nil, err
	}

	s.logger.Debug("Created user record",
		zap.Uint64("guildID", record.GuildID),
		zap.Uint64("userID", record.UserID),
		zap.String("position", record.Position.String()))

	return &recordRef{data: record, model: s.model}, nil
}

// GetUsersByBirthday finds records whose birthday key falls within
// at±tolerance. The key comparison wraps across the year boundary.
func (s *UserService) GetUsersByBirthday(
	ctx context.Context, guildID uint64, at time.Time, tolerance time.Duration,
) ([]RecordRef, error) {
	if tolerance < 0 {
		return nil, fmt.Errorf("negative birthday tolerance: %s", tolerance)
	}

	startKey := types.BirthdayKey(at.Add(-tolerance))
	endKey := types.BirthdayKey(at.Add(tolerance))

	records, err := s.model.GetUsersByBirthdayKeyRange(ctx, guildID, startKey, endKey)
	if err != nil {
		return nil, err
	}

	refs := make([]RecordRef, 0, len(records))
	for _, record := range records {
		refs = append(refs, &recordRef{data: record, model: s.model})
	}

	return refs, nil
}

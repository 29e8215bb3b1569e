package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/wardenhq/warden/internal/database/dbretry"
	"github.com/wardenhq/warden/internal/database/types"
	"go.uber.org/zap"
)

// ErrRecordNotFound indicates the requested user record does not exist.
var ErrRecordNotFound = errors.New("user record not found")

// UserModel handles database operations for user records.
type UserModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewUser creates a UserModel.
func NewUser(db *bun.DB, logger *zap.Logger) *UserModel {
	return &UserModel{
		db:     db,
		logger: logger.Named("db_user"),
	}
}

// GetUser fetches a single record by (guild, user) key.
// Returns ErrRecordNotFound when absent.
func (r *UserModel) GetUser(ctx context.Context, guildID, userID uint64) (*types.UserRecord, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.UserRecord, error) {
		record := new(types.UserRecord)

		err := r.db.NewSelect().
			Model(record).
			Where("guild_id = ?", guildID).
			Where("user_id = ?", userID).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrRecordNotFound
			}

			return nil, fmt.Errorf("failed to get user record: %w", err)
		}

		return record, nil
	})
}

// GetUsers fetches records for the given user IDs in one query. Missing
// users are simply absent from the result map.
func (r *UserModel) GetUsers(ctx context.Context, guildID uint64, userIDs []uint64) (map[uint64]*types.UserRecord, error) {
	if len(userIDs) == 0 {
		return map[uint64]*types.UserRecord{}, nil
	}

	return dbretry.Operation(ctx, func(ctx context.Context) (map[uint64]*types.UserRecord, error) {
		var records []*types.UserRecord

		err := r.db.NewSelect().
			Model(&records).
			Where("guild_id = ?", guildID).
			Where("user_id IN (?)", bun.In(userIDs)).
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get user records: %w", err)
		}

		result := make(map[uint64]*types.UserRecord, len(records))
		for _, record := range records {
			result[record.UserID] = record
		}

		return result, nil
	})
}

// CreateUser inserts a new record. Inserting an existing key is an error.
// Callers own UpdatedAt; the model never touches clock state.
func (r *UserModel) CreateUser(ctx context.Context, record *types.UserRecord) error {
	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		if _, err := r.db.NewInsert().Model(record).Exec(ctx); err != nil {
			return fmt.Errorf("failed to create user record: %w", err)
		}

		return nil
	})
}

// SaveUser persists the current in-memory state of an existing record.
func (r *UserModel) SaveUser(ctx context.Context, record *types.UserRecord) error {
	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		result, err := r.db.NewUpdate().
			Model(record).
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to save user record: %w", err)
		}

		rows, err := result.RowsAffected()
		if err == nil && rows == 0 {
			return ErrRecordNotFound
		}

		return nil
	})
}

// GetUsersByBirthdayKeyRange fetches records whose derived birthday key
// falls within [startKey, endKey]. When startKey sorts after endKey the
// window wraps around the end of the year and both sides are matched.
func (r *UserModel) GetUsersByBirthdayKeyRange(
	ctx context.Context, guildID uint64, startKey, endKey string,
) ([]*types.UserRecord, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.UserRecord, error) {
		var records []*types.UserRecord

		query := r.db.NewSelect().
			Model(&records).
			Where("guild_id = ?", guildID).
			Where("birthday_key <> ''")

		if startKey <= endKey {
			query = query.Where("birthday_key BETWEEN ? AND ?", startKey, endKey)
		} else {
			query = query.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("birthday_key >= ?", startKey).
					WhereOr("birthday_key <= ?", endKey)
			})
		}

		if err := query.Scan(ctx); err != nil {
			return nil, fmt.Errorf("failed to get user records by birthday: %w", err)
		}

		return records, nil
	})
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/bytedance/sonic"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bunjson"
	"github.com/wardenhq/warden/internal/database/models"
	"github.com/wardenhq/warden/internal/database/types"
	"github.com/wardenhq/warden/internal/setup/config"
	"go.uber.org/zap"
)

// sonicProvider is a JSON provider that uses Sonic for encoding and decoding.
type sonicProvider struct{}

func (sonicProvider) Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func (sonicProvider) Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

func (sonicProvider) NewEncoder(w io.Writer) bunjson.Encoder {
	return sonic.ConfigDefault.NewEncoder(w)
}

func (sonicProvider) NewDecoder(r io.Reader) bunjson.Decoder {
	return sonic.ConfigDefault.NewDecoder(r)
}

// Client defines the methods that a database client must implement.
type Client interface {
	// Users returns the user record store.
	Users() UserStore
	// Close gracefully shuts down the database connection.
	Close() error
	// DB returns the underlying bun.DB instance.
	DB() *bun.DB
}

// clientImpl represents the concrete implementation of the database client.
type clientImpl struct {
	db     *bun.DB
	logger *zap.Logger
	users  *UserService
}

// NewConnection establishes a new database connection and returns a Client instance.
func NewConnection(ctx context.Context, config *config.PostgreSQL, logger *zap.Logger) (Client, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithAddr(fmt.Sprintf("%s:%d", config.Host, config.Port)),
		pgdriver.WithUser(config.User),
		pgdriver.WithPassword(config.Password),
		pgdriver.WithDatabase(config.DBName),
		pgdriver.WithInsecure(true),
		pgdriver.WithApplicationName("warden"),
	))

	sqldb.SetMaxOpenConns(config.MaxOpenConns)
	sqldb.SetMaxIdleConns(config.MaxIdleConns)
	sqldb.SetConnMaxLifetime(time.Duration(config.MaxLifetime) * time.Minute)
	sqldb.SetConnMaxIdleTime(time.Duration(config.MaxIdleTime) * time.Minute)

	bunjson.SetProvider(sonicProvider{})

	db := bun.NewDB(sqldb, pgdialect.New())
	db.AddQueryHook(NewHook(logger))

	if err := createSchema(ctx, db); err != nil {
		return nil, err
	}

	client := &clientImpl{
		db:     db,
		logger: logger,
		users:  NewUserService(models.NewUser(db, logger), logger),
	}

	logger.Info("Database connection established")

	return client, nil
}

// createSchema ensures the user record table and birthday index exist.
func createSchema(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewCreateTable().
		Model((*types.UserRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create user_records table: %w", err)
	}

	if _, err := db.NewCreateIndex().
		Model((*types.UserRecord)(nil)).
		Index("user_records_birthday_key_idx").
		Column("guild_id", "birthday_key").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create birthday index: %w", err)
	}

	return nil
}

// Users returns the user record store.
func (c *clientImpl) Users() UserStore {
	return c.users
}

// DB returns the underlying bun.DB instance.
func (c *clientImpl) DB() *bun.DB {
	return c.db
}

// Close gracefully shuts down the database connection.
func (c *clientImpl) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	c.logger.Info("Database connection closed")

	return nil
}

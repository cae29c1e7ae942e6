// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/grantflow-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotFound возвращается, если заявка, веха или работа не найдены.
	ErrNotFound = errors.New("entity not found")
	// ErrNotOwner возвращается, если сущность принадлежит другому пользователю.
	ErrNotOwner = errors.New("entity owned by another user")
	// ErrPayoutNotPending возвращается при попытке применить уже обработанное начисление.
	ErrPayoutNotPending = errors.New("payout is not pending")
)

// InvalidStateError возвращается, когда запрошенный переход не применим
// к текущему статусу сущности. Текущий статус сообщается вызывающему,
// чтобы тот мог согласовать своё представление.
type InvalidStateError struct {
	Current string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("transition not allowed: current status is %s", e.Current)
}

// DuplicateSubmissionError возвращается, когда у участника уже есть
// работа по данному баунти. Содержит идентификатор существующей работы.
type DuplicateSubmissionError struct {
	ExistingID int64
}

func (e *DuplicateSubmissionError) Error() string {
	return fmt.Sprintf("submission already exists: id %d", e.ExistingID)
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сериализационных и сетевых сбоях.
// Ошибки бизнес-логики возвращаются сразу без повторов.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с ролью member.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, external_id, role, point_balance, created_at
		 FROM users WHERE login = $1`,
		login,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору. Используется
// для авторитетной проверки роли в момент мутации.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, external_id, role, point_balance, created_at
		 FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.ExternalID, &u.Role, &u.PointBalance, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// FindOrCreateExternalUser возвращает пользователя по внешнему
// идентификатору, создавая запись при первом входе.
func (r *PostgresRepository) FindOrCreateExternalUser(ctx context.Context, externalID, login string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (login, external_id) VALUES ($1, $2) ON CONFLICT (external_id) DO NOTHING`,
		login, externalID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("insert external user: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM users WHERE external_id = $1`,
		externalID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select external user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// GetBalance возвращает текущий баланс пользователя и сумму
// начислений, ожидающих применения.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, int64, error) {
	var current int64
	err := r.pool.QueryRow(ctx,
		`SELECT point_balance FROM users WHERE id = $1`,
		userID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrUserNotFound
		}
		return 0, 0, fmt.Errorf("select balance: %w", err)
	}

	var pending int64
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0)
		 FROM payouts
		 WHERE user_id = $1 AND status = $2`,
		userID, string(model.PayoutStatusPending),
	).Scan(&pending)
	if err != nil {
		return 0, 0, fmt.Errorf("sum pending payouts: %w", err)
	}

	return current, pending, nil
}

// GetPendingPayouts возвращает начисления, ожидающие применения к балансу.
func (r *PostgresRepository) GetPendingPayouts(ctx context.Context, limit int) ([]model.Payout, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, entity_kind, entity_id, user_id, points, status, created_at, processed_at
		 FROM payouts
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.PayoutStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending payouts: %w", err)
	}
	defer rows.Close()

	var res []model.Payout
	for rows.Next() {
		var p model.Payout
		if err := rows.Scan(&p.ID, &p.EntityKind, &p.EntityID, &p.UserID, &p.Points, &p.Status, &p.CreatedAt, &p.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SettlePayout применяет начисление к балансу пользователя ровно один
// раз. Перевод записи в processed обусловлен её текущим статусом, а
// баланс увеличивается атомарным инкрементом в той же транзакции.
func (r *PostgresRepository) SettlePayout(ctx context.Context, payoutID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var userID, points int64
		err = tx.QueryRow(ctx,
			`UPDATE payouts
			 SET status = $2, processed_at = now()
			 WHERE id = $1 AND status = $3
			 RETURNING user_id, points`,
			payoutID, string(model.PayoutStatusProcessed), string(model.PayoutStatusPending),
		).Scan(&userID, &points)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPayoutNotPending
			}
			return fmt.Errorf("mark payout processed: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE users SET point_balance = point_balance + $2 WHERE id = $1`,
			userID, points,
		)
		if err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

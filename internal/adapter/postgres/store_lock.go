package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ashwinsrini/how-do-i-fare/internal/port/database"
)

func lockTable(target database.LockTarget) (string, error) {
	switch target {
	case database.LockGitHubOrg, database.LockJiraProject:
		return string(target), nil
	default:
		return "", fmt.Errorf("unknown lock target %q", target)
	}
}

// AcquireLock claims the sync lock on one row. A lock older than timeout
// is treated as abandoned and taken over.
func (s *Store) AcquireLock(ctx context.Context, target database.LockTarget, id int64, holder string, timeout time.Duration) (bool, error) {
	table, err := lockTable(target)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET locked_by = $2, locked_at = NOW()
		 WHERE id = $1
		   AND (locked_by IS NULL OR locked_by = $2 OR locked_at < NOW() - make_interval(secs => $3::double precision))`,
		id, holder, timeout.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock on %s %d: %w", table, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLock clears the lock if holder still owns it.
func (s *Store) ReleaseLock(ctx context.Context, target database.LockTarget, id int64, holder string) error {
	table, err := lockTable(target)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE `+table+` SET locked_by = NULL, locked_at = NULL
		 WHERE id = $1 AND locked_by = $2`, id, holder)
	if err != nil {
		return fmt.Errorf("release lock on %s %d: %w", table, id, err)
	}
	return nil
}

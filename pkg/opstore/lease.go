package opstore

import (
	"context"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AcquireLease claims the named lease for holder until now+ttl. It succeeds
// when the lease is free, expired or already held by holder, in which case
// the expiry is extended. The claim is a single upsert, so two processes
// sharing the database file cannot both win.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, pkgerrors.New("opstore: store is nil")
	}
	if name == "" || holder == "" {
		return false, pkgerrors.New("opstore: lease name and holder are required")
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder=excluded.holder, expires_at=excluded.expires_at
		WHERE %s.expires_at <= ? OR %s.holder = excluded.holder`,
		quoteIdent(leaseTable), quoteIdent(leaseTable), quoteIdent(leaseTable))
	args := []any{name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli()}
	log.Trace().Str("sql", FormatSQLForLog(stmt, args...)).Msg("opstore: acquire lease")
	res, err := execWithRetry(ctx, s.db, stmt, args...)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "opstore: acquire lease %s", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, pkgerrors.Wrap(err, "opstore: lease rows affected")
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE name = ? AND holder = ?`, quoteIdent(leaseTable))
	return pkgerrors.Wrapf(s.exec(ctx, stmt, name, holder), "opstore: release lease %s", name)
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/salescrm/pairing-server/internal/database"
	"github.com/salescrm/pairing-server/internal/model"
)

type PairingSessionRepository interface {
	Create(ctx context.Context, params model.CreatePairingSessionParams) (*model.PairingSession, error)
	FindByID(ctx context.Context, id string) (*model.PairingSession, error)
	FindBySessionName(ctx context.Context, sessionName string) (*model.PairingSession, error)
	// FindByIDForUpdate locks the row until the surrounding transaction ends.
	FindByIDForUpdate(ctx context.Context, id string) (*model.PairingSession, error)
	FindPendingByOwner(ctx context.Context, ownerID string) ([]model.PairingSession, error)
	FindConnectedByOwner(ctx context.Context, ownerID string) (*model.PairingSession, error)
	ListPending(ctx context.Context) ([]model.PairingSession, error)
	Update(ctx context.Context, session *model.PairingSession) error
	// DisconnectOtherConnected marks every CONNECTED row of ownerID except
	// exceptID as DISCONNECTED and returns the rows it changed.
	DisconnectOtherConnected(ctx context.Context, ownerID, exceptID string, now time.Time) ([]model.PairingSession, error)
	Delete(ctx context.Context, id string) (bool, error)
	// DeleteIfPending removes the row only while it has not reached CONNECTED.
	DeleteIfPending(ctx context.Context, id string) (bool, error)
	DeleteDisconnectedBefore(ctx context.Context, before time.Time) (int64, error)
	// InTx runs fn against a repository bound to a single transaction.
	InTx(ctx context.Context, fn func(repo PairingSessionRepository) error) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) PairingSessionRepository
}

const sessionColumns = `id, owner_id, session_name, status, pairing_artifact, channel_identifier, created_at, updated_at, connected_at`

type pairingSessionRepo struct {
	conn *database.DB
	db   database.DBTX
}

func NewPairingSessionRepository(db *database.DB) PairingSessionRepository {
	return &pairingSessionRepo{conn: db, db: db.DB}
}

func (r *pairingSessionRepo) WithTx(tx *sqlx.Tx) PairingSessionRepository {
	return &pairingSessionRepo{conn: r.conn, db: tx}
}

func (r *pairingSessionRepo) InTx(ctx context.Context, fn func(repo PairingSessionRepository) error) error {
	return r.conn.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(r.WithTx(tx))
	})
}

func (r *pairingSessionRepo) Create(ctx context.Context, params model.CreatePairingSessionParams) (*model.PairingSession, error) {
	createdAt := params.CreatedAt.UTC()
	session := &model.PairingSession{
		ID:              params.ID,
		OwnerID:         params.OwnerID,
		SessionName:     params.SessionName,
		Status:          params.Status,
		PairingArtifact: params.PairingArtifact,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO pairing_sessions (id, owner_id, session_name, status, pairing_artifact, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.OwnerID, session.SessionName, session.Status, session.PairingArtifact, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (r *pairingSessionRepo) FindByID(ctx context.Context, id string) (*model.PairingSession, error) {
	var session model.PairingSession
	err := r.db.GetContext(ctx, &session, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM pairing_sessions WHERE id = ?
	`), id)
	return HandleNotFound(&session, err)
}

func (r *pairingSessionRepo) FindBySessionName(ctx context.Context, sessionName string) (*model.PairingSession, error) {
	var session model.PairingSession
	err := r.db.GetContext(ctx, &session, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM pairing_sessions WHERE session_name = ?
	`), sessionName)
	return HandleNotFound(&session, err)
}

// On sqlite the single connection already serializes transactions, so the
// row lock is only issued on postgres.
func (r *pairingSessionRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.PairingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM pairing_sessions WHERE id = ?`
	if r.conn.Dialect == database.DialectPostgres {
		query += ` FOR UPDATE`
	}

	var session model.PairingSession
	err := r.db.GetContext(ctx, &session, r.db.Rebind(query), id)
	return HandleNotFound(&session, err)
}

func (r *pairingSessionRepo) FindPendingByOwner(ctx context.Context, ownerID string) ([]model.PairingSession, error) {
	var sessions []model.PairingSession
	err := r.db.SelectContext(ctx, &sessions, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM pairing_sessions
		WHERE owner_id = ? AND status IN ('creating', 'waiting_qr', 'connecting')
		ORDER BY created_at ASC
	`), ownerID)
	return sessions, err
}

func (r *pairingSessionRepo) FindConnectedByOwner(ctx context.Context, ownerID string) (*model.PairingSession, error) {
	var session model.PairingSession
	err := r.db.GetContext(ctx, &session, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM pairing_sessions
		WHERE owner_id = ? AND status = 'connected'
	`), ownerID)
	return HandleNotFound(&session, err)
}

func (r *pairingSessionRepo) ListPending(ctx context.Context) ([]model.PairingSession, error) {
	var sessions []model.PairingSession
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM pairing_sessions
		WHERE status IN ('creating', 'waiting_qr', 'connecting')
		ORDER BY created_at ASC
	`)
	return sessions, err
}

func (r *pairingSessionRepo) Update(ctx context.Context, session *model.PairingSession) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE pairing_sessions SET
			status = ?,
			pairing_artifact = ?,
			channel_identifier = ?,
			updated_at = ?,
			connected_at = ?
		WHERE id = ?
	`), session.Status, session.PairingArtifact, session.ChannelIdentifier, session.UpdatedAt.UTC(), utcPtr(session.ConnectedAt), session.ID)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pairing session %s not found", session.ID)
	}
	return nil
}

func (r *pairingSessionRepo) DisconnectOtherConnected(ctx context.Context, ownerID, exceptID string, now time.Time) ([]model.PairingSession, error) {
	var sessions []model.PairingSession
	err := r.db.SelectContext(ctx, &sessions, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM pairing_sessions
		WHERE owner_id = ? AND status = 'connected' AND id <> ?
	`), ownerID, exceptID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	now = now.UTC()
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE pairing_sessions SET
			status = 'disconnected',
			pairing_artifact = NULL,
			updated_at = ?
		WHERE owner_id = ? AND status = 'connected' AND id <> ?
	`), now, ownerID, exceptID)
	if err != nil {
		return nil, err
	}

	for i := range sessions {
		sessions[i].Status = model.SessionStatusDisconnected
		sessions[i].PairingArtifact = nil
		sessions[i].UpdatedAt = now
	}
	return sessions, nil
}

func (r *pairingSessionRepo) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM pairing_sessions WHERE id = ?
	`), id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *pairingSessionRepo) DeleteIfPending(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM pairing_sessions
		WHERE id = ? AND status IN ('creating', 'waiting_qr', 'connecting')
	`), id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *pairingSessionRepo) DeleteDisconnectedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM pairing_sessions
		WHERE status = 'disconnected' AND updated_at < ?
	`), before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

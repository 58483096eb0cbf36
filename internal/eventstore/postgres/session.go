package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jpillora/backoff"

	"github.com/sshtrap/honeypot/internal/eventstore"
	"github.com/sshtrap/honeypot/internal/xlog"
)

// maxTxRetries/txRetryDeadline bound the exponential backoff applied to
// deadlock/serialization-failure retries (spec §4.7: "exponential backoff
// on contention ... up to M retries ... bounded by a wall-clock
// deadline"), for both session acquisition (Begin) and individual event
// inserts (withTx).
const (
	maxTxRetries    = 5
	txRetryDeadline = 5 * time.Second
)

// session is the Postgres-backed eventstore.Session: one borrowed
// transaction, held from the first insert until End/Abort, serialized by
// mu (spec §5: "a mutex per session").
type session struct {
	pool *pgxpool.Pool
	log  xlog.Logger

	mu            sync.Mutex
	state         eventstore.State
	tx            pgx.Tx
	sessionID     int64
	remoteVersion string
}

func newSession(pool *pgxpool.Pool, log xlog.Logger) *session {
	s := &session{pool: pool, log: log, state: eventstore.StateUnset}
	// Leak-detection net: if a session is garbage collected while still
	// running, spec §3/§7 require a critical "DATA LOST" record.
	runtime.SetFinalizer(s, func(s *session) {
		s.mu.Lock()
		running := s.state == eventstore.StateRunning
		s.mu.Unlock()
		if running {
			log.Logf(xlog.LevelError, "DATA LOST: logging session %d finalized while running", s.sessionID)
		}
	})
	return s
}

func (s *session) SetRemoteVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteVersion = version
}

func (s *session) State() eventstore.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Begin(endpoint eventstore.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != eventstore.StateUnset {
		return fmt.Errorf("eventstore: Begin called twice (state=%s)", s.state)
	}

	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2}
	deadline := time.Now().Add(txRetryDeadline)

	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = s.beginOnce(endpoint)
		if err == nil || !isRetryable(err) {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		s.log.Warnf("retrying session acquisition after contention (attempt %d): %v", attempt+1, err)
		time.Sleep(b.Duration())
	}
	if err != nil {
		s.state = eventstore.StateAborted
		return err
	}
	s.state = eventstore.StateRunning
	return nil
}

// beginOnce performs one attempt at opening the session's transaction and
// inserting its header rows. It does not mutate s.state so Begin can retry
// it freely on a retryable error — nothing has been observed outside this
// transaction yet, so retrying from scratch is always safe.
func (s *session) beginOnce(endpoint eventstore.Endpoint) error {
	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("acquiring event-store connection: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO "Session" (protocol, src_address, src_port, dst_address, dst_port, start_timestamp)
		 VALUES ('ssh', $1, $2, $3, $4, now()) RETURNING id`,
		endpoint.SrcAddr.String(), endpoint.SrcPort, endpoint.DstAddr.String(), endpoint.DstPort,
	).Scan(&id)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("inserting Session row: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO "SSHSession" (session_id, remote_version) VALUES ($1, $2)`,
		id, s.remoteVersion,
	); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("inserting SSHSession row: %w", err)
	}

	if err := upsertNetworkSource(ctx, tx, endpoint.SrcAddr.String()); err != nil {
		s.log.Warnf("recording network source: %v", err)
	}

	s.tx = tx
	s.sessionID = id
	return nil
}

func upsertNetworkSource(ctx context.Context, tx pgx.Tx, ip string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO "NetworkSource" (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, ip)
	return err
}

// insertEvent inserts the shared Event header row and returns its id.
func (s *session) insertEvent(ctx context.Context, tx pgx.Tx, kind string, at time.Time) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO "Event" (session_id, session_protocol, type, timestamp)
		 VALUES ($1, 'ssh', $2, $3) RETURNING id`,
		s.sessionID, kind, at.UTC(),
	).Scan(&id)
	return id, err
}

// withTx runs fn inside a SAVEPOINT nested transaction on the session's
// held transaction, requiring Running state, with this session's mutex
// held for the duration. A deadlock/serialization failure rolls back only
// fn's own statements via the savepoint and is retried with exponential
// backoff (spec §4.7); every previously committed event in the outer,
// still-open session transaction survives the retry untouched.
func (s *session) withTx(fn func(ctx context.Context, tx pgx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == eventstore.StateAborted {
		return eventstore.ErrSessionAborted
	}
	if s.state != eventstore.StateRunning {
		return eventstore.ErrSessionNotRunning
	}

	b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2}
	deadline := time.Now().Add(txRetryDeadline)

	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
		err = s.runInSavepoint(ctx, fn)
		cancel()
		if err == nil || !isRetryable(err) {
			return err
		}
		if time.Now().After(deadline) {
			break
		}
		s.log.Warnf("retrying event insert after contention (attempt %d): %v", attempt+1, err)
		time.Sleep(b.Duration())
	}
	return err
}

// runInSavepoint wraps fn in a SAVEPOINT (pgx.Tx.Begin called on an
// already-open Tx starts a nested savepoint transaction rather than a new
// connection-level one), so a failed attempt can be rolled back in
// isolation.
func (s *session) runInSavepoint(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	sp, err := s.tx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx, sp); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func (s *session) LogLoginAttempt(at time.Time, ev eventstore.LoginAttempt) error {
	return s.withTx(func(ctx context.Context, tx pgx.Tx) error {
		id, err := s.insertEvent(ctx, tx, eventstore.KindLoginAttempt, at)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO "LoginAttempt" (event_id, username, password, success) VALUES ($1,$2,$3,$4)`,
			id, ev.Username, ev.Password, ev.Success)
		return err
	})
}

func (s *session) LogPTYRequest(at time.Time, ev eventstore.PTYRequest) error {
	return s.withTx(func(ctx context.Context, tx pgx.Tx) error {
		id, err := s.insertEvent(ctx, tx, eventstore.KindPTYRequest, at)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO "PTYRequest" (event_id, channel, term, cols, rows, px_width, px_height) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			id, ev.Channel, ev.Term, ev.Cols, ev.Rows, ev.PxWidth, ev.PxHeight)
		return err
	})
}

func (s *session) LogEnvRequest(at time.Time, ev eventstore.EnvRequest) error {
	return s.withTx(func(ctx context.Context, tx pgx.Tx) error {
		id, err := s.insertEvent(ctx, tx, eventstore.KindEnvRequest, at)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO "EnvRequest" (event_id, channel, name, value) VALUES ($1,$2,$3,$4)`,
			id, ev.Channel, ev.Name, ev.Value)
		return err
	})
}

func (s *session) LogDirectTCPIPRequest(at time.Time, ev eventstore.DirectTCPIPRequest) error {
	return s.withTx(func(ctx context.Context, tx pgx.Tx) error {
		id, err := s.insertEvent(ctx, tx, eventstore.KindDirectTCPIPRequest, at)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO "DirectTCPIPRequest" (event_id, channel, origin_ip, origin_port, dest_host, dest_port) VALUES ($1,$2,$3,$4,$5,$6)`,
			id, ev.Channel, ev.OriginIP, ev.OriginPort, ev.DestHost, ev.DestPort)
		return err
	})
}

func (s *session) LogX11Request(at time.Time, ev eventstore.X11Request) error {
	return s.withTx(func(ctx context.Context, tx pgx.Tx) error {
		id, err := s.insertEvent(ctx, tx, eventstore.KindX11Request, at)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO "XElevenRequest" (event_id, channel, single_connection, auth_protocol, auth_cookie, screen) VALUES ($1,$2,$3,$4,$5,$6)`,
			id, ev.Channel, ev.SingleConnection, ev.AuthProtocol, ev.AuthCookie, ev.Screen)
		return err
	})
}

func (s *session) LogPortForwardRequest(at time.Time, ev eventstore.PortForwardRequest) error {
	return s.withTx(func(ctx context.Context, tx pgx.Tx) error {
		id, err := s.insertEvent(ctx, tx, eventstore.KindPortForwardRequest, at)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO "PortForwardRequest" (event_id, address, port) VALUES ($1,$2,$3)`,
			id, ev.Address, ev.Port)
		return err
	})
}

func (s *session) LogCommand(at time.Time, ev eventstore.Command) error {
	return s.withTx(func(ctx context.Context, tx pgx.Tx) error {
		id, err := s.insertEvent(ctx, tx, eventstore.KindCommand, at)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO "Command" (event_id, input) VALUES ($1,$2)`, id, ev.Input)
		return err
	})
}

func (s *session) LogChannelOutput(at time.Time, ev eventstore.ChannelOutput) error {
	return s.withTx(func(ctx context.Context, tx pgx.Tx) error {
		id, err := s.insertEvent(ctx, tx, eventstore.KindChannelOutput, at)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO "SSHChannelOutput" (event_id, channel, data) VALUES ($1,$2,$3)`,
			id, ev.Channel, ev.Bytes)
		return err
	})
}

func (s *session) LogDownload(at time.Time, ev eventstore.Download) error {
	return s.withTx(func(ctx context.Context, tx pgx.Tx) error {
		if err := upsertNetworkSource(ctx, tx, ev.SourceIP); err != nil {
			s.log.Warnf("recording download network source: %v", err)
		}
		hash := ev.FileHash
		if hash == "" && ev.Bytes != nil {
			sum := sha256.Sum256(ev.Bytes)
			hash = hex.EncodeToString(sum[:])
		}
		if err := upsertFile(ctx, tx, hash, ev.Bytes); err != nil {
			return err
		}
		id, err := s.insertEvent(ctx, tx, eventstore.KindDownload, at)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO "Download" (event_id, source_ip, url, mime_type, file_hash) VALUES ($1,$2,$3,$4,$5)`,
			id, ev.SourceIP, ev.URL, ev.MimeType, hash)
		return err
	})
}

// upsertFile inserts a content-addressed File row, storing bytes at most
// once (spec §3). saveData (bytes != nil) upgrades a metadata-only row to
// carry the payload, matching original_source's insert_file semantics.
func upsertFile(ctx context.Context, tx pgx.Tx, hash string, data []byte) error {
	if hash == "" {
		return nil
	}
	if data == nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO "File" (hash, data) VALUES ($1, NULL) ON CONFLICT (hash) DO NOTHING`, hash)
		return err
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO "File" (hash, data) VALUES ($1, $2)
		 ON CONFLICT (hash) DO UPDATE SET data = EXCLUDED.data WHERE "File".data IS NULL`,
		hash, data)
	return err
}

func (s *session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == eventstore.StateEnded {
		return nil
	}
	if s.state != eventstore.StateRunning {
		return eventstore.ErrSessionNotRunning
	}
	ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
	defer cancel()
	if _, err := s.tx.Exec(ctx, `UPDATE "Session" SET end_timestamp = now() WHERE id = $1`, s.sessionID); err != nil {
		_ = s.tx.Rollback(ctx)
		s.state = eventstore.StateAborted
		return fmt.Errorf("recording session end: %w", err)
	}
	if err := s.tx.Commit(ctx); err != nil {
		s.state = eventstore.StateAborted
		return fmt.Errorf("committing logging session: %w", err)
	}
	s.state = eventstore.StateEnded
	return nil
}

func (s *session) Abort(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == eventstore.StateAborted || s.state == eventstore.StateEnded {
		return nil
	}
	if s.tx != nil {
		ctx, cancel := context.WithTimeout(context.Background(), acquireTimeout)
		defer cancel()
		_ = s.tx.Rollback(ctx)
	}
	s.state = eventstore.StateAborted
	s.log.Logf(xlog.LevelError, "logging session %d aborted: %v", s.sessionID, cause)
	return nil
}

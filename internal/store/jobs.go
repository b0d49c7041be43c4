package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Kind names one of the job queues.
type Kind string

const (
	KindComment  Kind = "comment"
	KindBehavior Kind = "behavior"
)

// ErrUnknownQueue is returned for a queue kind that has no table.
var ErrUnknownQueue = errors.New("store: unknown queue")

// ErrJobNotFound is returned by Get for an unknown request id.
var ErrJobNotFound = errors.New("store: job not found")

var queueTables = map[Kind]string{
	KindComment:  "comment_reply_buffer",
	KindBehavior: "behavior_buffer",
}

// ParseKind maps a queue name to its Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := queueTables[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownQueue, s)
	}
	return k, nil
}

// Job is one unit of work: a comment awaiting a reply or a behavior request.
// Sender fields are empty for behavior jobs.
type Job struct {
	RequestID        int64      `json:"request_id"`
	Time             time.Time  `json:"time"`
	NPCID            int        `json:"npc_id"`
	Content          string     `json:"content"`
	MsgID            int        `json:"msg_id,omitempty"`
	SenderID         string     `json:"sender_id,omitempty"`
	SenderName       string     `json:"sender_name,omitempty"`
	PrivateMsg       bool       `json:"private_msg,omitempty"`
	IsProcessed      bool       `json:"is_processed"`
	IsBeingProcessed bool       `json:"is_being_processed"`
	IsFullyProcessed bool       `json:"is_fully_processed"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
}

// QueueStats counts jobs by state.
type QueueStats struct {
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Processed int `json:"processed"`
}

// Queue is a table-backed job queue with exactly-once claiming.
type Queue struct {
	s     *Store
	kind  Kind
	table string
}

// Queue returns the queue for kind.
func (s *Store) Queue(kind Kind) (*Queue, error) {
	table, ok := queueTables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, kind)
	}
	return &Queue{s: s, kind: kind, table: table}, nil
}

// Kind returns the queue kind.
func (q *Queue) Kind() Kind { return q.kind }

const jobColumns = `request_id, ts, npc_id, content, msg_id, sender_id, sender_name,
	private_msg, is_processed, is_being_processed, is_fully_processed, claimed_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.RequestID, &j.Time, &j.NPCID, &j.Content, &j.MsgID, &j.SenderID, &j.SenderName,
		&j.PrivateMsg, &j.IsProcessed, &j.IsBeingProcessed, &j.IsFullyProcessed, &j.ClaimedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (q *Queue) collect(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s job: %w", q.kind, err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, q.s.observe(err)
	}
	return jobs, nil
}

// Enqueue inserts a job or, when the request id already exists, overwrites
// its content, processed flag and sender name.
func (q *Queue) Enqueue(ctx context.Context, j Job) error {
	if err := q.s.EnsureConnected(ctx); err != nil {
		return err
	}
	_, err := q.s.db.Exec(ctx, `
		INSERT INTO `+q.table+` (request_id, ts, npc_id, content, msg_id, sender_id, sender_name, private_msg, is_processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO UPDATE SET
			content = EXCLUDED.content,
			is_processed = EXCLUDED.is_processed,
			sender_name = EXCLUDED.sender_name`,
		j.RequestID, j.Time, j.NPCID, j.Content, j.MsgID, j.SenderID, j.SenderName, j.PrivateMsg, j.IsProcessed,
	)
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", q.kind, q.s.observe(err))
	}
	return nil
}

// Claim atomically takes the earliest job that is neither processed nor
// being processed. Rows locked by a concurrent claimer are skipped, so a
// job is handed out at most once. It returns nil, nil when nothing is
// claimable.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	if err := q.s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	row := q.s.db.QueryRow(ctx, `
		UPDATE `+q.table+` SET is_being_processed = TRUE, claimed_at = now()
		WHERE request_id = (
			SELECT request_id FROM `+q.table+`
			WHERE is_processed = FALSE AND is_being_processed = FALSE
			ORDER BY ts ASC, request_id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s job: %w", q.kind, q.s.observe(err))
	}
	return j, nil
}

// Get returns one job by request id.
func (q *Queue) Get(ctx context.Context, requestID int64) (*Job, error) {
	if err := q.s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	j, err := scanJob(q.s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM `+q.table+` WHERE request_id = $1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s job: %w", q.kind, q.s.observe(err))
	}
	return j, nil
}

// MarkProcessed flags the given jobs as processed. It is idempotent and
// unknown ids are ignored.
func (q *Queue) MarkProcessed(ctx context.Context, requestIDs ...int64) error {
	if len(requestIDs) == 0 {
		return nil
	}
	if err := q.s.EnsureConnected(ctx); err != nil {
		return err
	}
	_, err := q.s.db.Exec(ctx,
		`UPDATE `+q.table+` SET is_processed = TRUE WHERE request_id = ANY($1)`, requestIDs)
	if err != nil {
		return fmt.Errorf("mark %s processed: %w", q.kind, q.s.observe(err))
	}
	return nil
}

// MarkFullyProcessed records that the engine has acted on a behavior job.
func (q *Queue) MarkFullyProcessed(ctx context.Context, requestID int64) error {
	if err := q.s.EnsureConnected(ctx); err != nil {
		return err
	}
	_, err := q.s.db.Exec(ctx,
		`UPDATE `+q.table+` SET is_fully_processed = TRUE WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("mark %s fully processed: %w", q.kind, q.s.observe(err))
	}
	return nil
}

// ListUnprocessedForAgent returns every unprocessed job for one agent,
// oldest first. Jobs currently claimed are included.
func (q *Queue) ListUnprocessedForAgent(ctx context.Context, npcID int) ([]Job, error) {
	if err := q.s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	rows, err := q.s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM `+q.table+`
		WHERE is_processed = FALSE AND npc_id = $1
		ORDER BY ts ASC, request_id ASC`, npcID)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs for npc %d: %w", q.kind, npcID, q.s.observe(err))
	}
	return q.collect(rows)
}

// ListUnprocessed returns every unprocessed job, oldest first.
func (q *Queue) ListUnprocessed(ctx context.Context) ([]Job, error) {
	if err := q.s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	rows, err := q.s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM `+q.table+`
		WHERE is_processed = FALSE
		ORDER BY ts ASC, request_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", q.kind, q.s.observe(err))
	}
	return q.collect(rows)
}

// Delete removes one job.
func (q *Queue) Delete(ctx context.Context, requestID int64) error {
	if err := q.s.EnsureConnected(ctx); err != nil {
		return err
	}
	if _, err := q.s.db.Exec(ctx, `DELETE FROM `+q.table+` WHERE request_id = $1`, requestID); err != nil {
		return fmt.Errorf("delete %s job: %w", q.kind, q.s.observe(err))
	}
	return nil
}

// DeleteAll empties the queue.
func (q *Queue) DeleteAll(ctx context.Context) error {
	if err := q.s.EnsureConnected(ctx); err != nil {
		return err
	}
	if _, err := q.s.db.Exec(ctx, `DELETE FROM `+q.table); err != nil {
		return fmt.Errorf("delete %s jobs: %w", q.kind, q.s.observe(err))
	}
	return nil
}

// MarkAllProcessed flags every job as processed.
func (q *Queue) MarkAllProcessed(ctx context.Context) error {
	if err := q.s.EnsureConnected(ctx); err != nil {
		return err
	}
	if _, err := q.s.db.Exec(ctx, `UPDATE `+q.table+` SET is_processed = TRUE`); err != nil {
		return fmt.Errorf("mark all %s processed: %w", q.kind, q.s.observe(err))
	}
	return nil
}

// ReleaseExpired makes jobs claimable again when their claim is older than
// ttl and they were never marked processed. It returns the number released.
// ttl must exceed the worker task timeout or a slow job may run twice.
func (q *Queue) ReleaseExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	if err := q.s.EnsureConnected(ctx); err != nil {
		return 0, err
	}
	tag, err := q.s.db.Exec(ctx, `
		UPDATE `+q.table+` SET is_being_processed = FALSE, claimed_at = NULL
		WHERE is_processed = FALSE AND is_being_processed = TRUE
			AND (claimed_at IS NULL OR claimed_at < now() - make_interval(secs => $1))`,
		ttl.Seconds())
	if err != nil {
		return 0, fmt.Errorf("release expired %s claims: %w", q.kind, q.s.observe(err))
	}
	return tag.RowsAffected(), nil
}

// Stats counts pending, claimed and processed jobs.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	if err := q.s.EnsureConnected(ctx); err != nil {
		return st, err
	}
	err := q.s.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE NOT is_processed AND NOT is_being_processed),
			count(*) FILTER (WHERE NOT is_processed AND is_being_processed),
			count(*) FILTER (WHERE is_processed)
		FROM `+q.table).Scan(&st.Pending, &st.Claimed, &st.Processed)
	if err != nil {
		return st, fmt.Errorf("%s queue stats: %w", q.kind, q.s.observe(err))
	}
	return st, nil
}

package hotstore

import (
	"context"
	"database/sql"
	"fmt"
)

// maxOpsPage bounds a single SelectOpsFrom call, matching spec.md §4.4's
// 200-row internal read cap (the engine then trims to the caller's byte
// or message budget on top of this).
const maxOpsPage = 200

// GetMeta returns the stream's single metadata row.
func (d *DB) GetMeta(ctx context.Context) (Meta, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT project_id, stream_id, content_type, closed, tail_offset, read_seq,
		segment_start, segment_msg_count, segment_byte_count, last_stream_seq, ttl_seconds, expires_at,
		created_at, public, retain_ops, close_producer_id, close_producer_epoch, close_producer_seq
		FROM stream_meta WHERE id = 1`)

	var (
		m                                      Meta
		closedInt, publicInt, retainOpsInt     int
		ttl, expiresAt                         sql.NullInt64
		closedProducer                         sql.NullString
		closedEpoch, closedSeq                 sql.NullInt64
	)
	err := row.Scan(&m.ProjectID, &m.StreamID, &m.ContentType, &closedInt, &m.TailOffset, &m.ReadSeq,
		&m.SegmentStart, &m.SegmentMsgCount, &m.SegmentByteCount, &m.LastStreamSeq, &ttl, &expiresAt,
		&m.CreatedAt, &publicInt, &retainOpsInt, &closedProducer, &closedEpoch, &closedSeq)
	if err == sql.ErrNoRows {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, fmt.Errorf("hotstore: get meta: %w", err)
	}

	m.Closed = closedInt != 0
	m.Public = publicInt != 0
	m.RetainOps = retainOpsInt != 0
	if ttl.Valid {
		v := ttl.Int64
		m.TTLSeconds = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Int64
		m.ExpiresAt = &v
	}
	if closedProducer.Valid {
		m.ClosedBy = &ClosedBy{ProducerID: closedProducer.String}
		if closedEpoch.Valid {
			m.ClosedBy.Epoch = closedEpoch.Int64
		}
		if closedSeq.Valid {
			m.ClosedBy.Seq = closedSeq.Int64
		}
	}
	return m, nil
}

// GetProducer returns one producer's idempotency state, or ErrNotFound if
// the producer has never appended (or has been lazily expired).
func (d *DB) GetProducer(ctx context.Context, producerID string) (ProducerRow, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT producer_id, epoch, last_seq, last_offset, last_updated
		FROM producers WHERE producer_id = ?`, producerID)

	var p ProducerRow
	if err := row.Scan(&p.ProducerID, &p.Epoch, &p.LastSeq, &p.LastOffset, &p.LastUpdated); err != nil {
		if err == sql.ErrNoRows {
			return ProducerRow{}, ErrNotFound
		}
		return ProducerRow{}, fmt.Errorf("hotstore: get producer: %w", err)
	}
	return p, nil
}

// SelectOverlap returns the op whose [start_offset, end_offset) range
// contains byteOffset — the op a reader starting mid-message lands in.
func (d *DB) SelectOverlap(ctx context.Context, byteOffset uint64) (Op, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT start_offset, end_offset, size_bytes, body, created_at, stream_seq, producer_id, producer_epoch, producer_seq
		FROM ops WHERE start_offset < ? AND end_offset > ? LIMIT 1`, byteOffset, byteOffset)
	return scanOp(row)
}

// SelectOpsFrom returns up to maxOpsPage ops with start_offset >= from,
// in ascending offset order.
func (d *DB) SelectOpsFrom(ctx context.Context, from uint64) ([]Op, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT start_offset, end_offset, size_bytes, body, created_at, stream_seq, producer_id, producer_epoch, producer_seq
		FROM ops WHERE start_offset >= ? ORDER BY start_offset ASC LIMIT ?`, from, maxOpsPage)
	if err != nil {
		return nil, fmt.Errorf("hotstore: select ops from: %w", err)
	}
	defer rows.Close()
	return scanOps(rows)
}

// AggregateFrom returns the message count and total byte size of every
// op with start_offset >= from — used for the 90%-of-quota check and for
// reporting stream size without materializing bodies.
func (d *DB) AggregateFrom(ctx context.Context, from uint64) (count int64, bytes int64, err error) {
	row := d.conn.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM ops WHERE start_offset >= ?`, from)
	if err := row.Scan(&count, &bytes); err != nil {
		return 0, 0, fmt.Errorf("hotstore: aggregate from: %w", err)
	}
	return count, bytes, nil
}

// ListSegments returns every cold segment in rotation order.
func (d *DB) ListSegments(ctx context.Context) ([]SegmentRow, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT read_seq, object_key, start_offset, end_offset, content_type, size_bytes, message_count, expires_at
		FROM segments ORDER BY read_seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("hotstore: list segments: %w", err)
	}
	defer rows.Close()
	return scanSegments(rows)
}

// GetLatestSegment returns the most recently rotated cold segment, or
// ErrNotFound if none exist yet.
func (d *DB) GetLatestSegment(ctx context.Context) (SegmentRow, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT read_seq, object_key, start_offset, end_offset, content_type, size_bytes, message_count, expires_at
		FROM segments ORDER BY read_seq DESC LIMIT 1`)
	return scanSegment(row)
}

// GetCoveringSegment returns the cold segment whose read_seq matches —
// the segment a historical offset token's ReadSeq field names directly.
func (d *DB) GetCoveringSegment(ctx context.Context, readSeq uint64) (SegmentRow, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT read_seq, object_key, start_offset, end_offset, content_type, size_bytes, message_count, expires_at
		FROM segments WHERE read_seq = ?`, readSeq)
	return scanSegment(row)
}

// GetSegmentStartingAt returns the cold segment whose start_offset
// exactly matches — used when a rotation needs to find its predecessor.
func (d *DB) GetSegmentStartingAt(ctx context.Context, startOffset uint64) (SegmentRow, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT read_seq, object_key, start_offset, end_offset, content_type, size_bytes, message_count, expires_at
		FROM segments WHERE start_offset = ?`, startOffset)
	return scanSegment(row)
}

// GetSegmentCoveringOffset returns the cold segment whose
// [start_offset, end_offset) range contains an arbitrary absolute
// offset — used to resolve a value recorded before a rotation (such as
// a producer's last committed append) back into its segment once that
// segment has moved to cold storage.
func (d *DB) GetSegmentCoveringOffset(ctx context.Context, absoluteOffset uint64) (SegmentRow, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT read_seq, object_key, start_offset, end_offset, content_type, size_bytes, message_count, expires_at
		FROM segments WHERE start_offset <= ? AND end_offset > ? LIMIT 1`, absoluteOffset, absoluteOffset)
	return scanSegment(row)
}

// SelectOpsRange returns ops fully contained in [fromOffset, toOffset),
// in ascending offset order — the same bound DeleteOpsRange prunes by,
// used to snapshot exactly one segment's worth of ops on rotation
// instead of every op the hot log still happens to hold.
func (d *DB) SelectOpsRange(ctx context.Context, fromOffset, toOffset uint64) ([]Op, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT start_offset, end_offset, size_bytes, body, created_at, stream_seq, producer_id, producer_epoch, producer_seq
		FROM ops WHERE start_offset >= ? AND end_offset <= ? ORDER BY start_offset ASC`, fromOffset, toOffset)
	if err != nil {
		return nil, fmt.Errorf("hotstore: select ops range: %w", err)
	}
	defer rows.Close()
	return scanOps(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOp(row rowScanner) (Op, error) {
	var (
		o                       Op
		streamSeq               sql.NullString
		producerID              sql.NullString
		producerEpoch, producerSeq sql.NullInt64
	)
	err := row.Scan(&o.StartOffset, &o.EndOffset, &o.SizeBytes, &o.Body, &o.CreatedAt, &streamSeq, &producerID, &producerEpoch, &producerSeq)
	if err == sql.ErrNoRows {
		return Op{}, ErrNotFound
	}
	if err != nil {
		return Op{}, fmt.Errorf("hotstore: scan op: %w", err)
	}
	o.StreamSeq = streamSeq.String
	o.ProducerID = producerID.String
	if producerEpoch.Valid {
		v := producerEpoch.Int64
		o.ProducerEpoch = &v
	}
	if producerSeq.Valid {
		v := producerSeq.Int64
		o.ProducerSeq = &v
	}
	return o, nil
}

func scanOps(rows *sql.Rows) ([]Op, error) {
	var out []Op
	for rows.Next() {
		o, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanSegment(row rowScanner) (SegmentRow, error) {
	var (
		s         SegmentRow
		expiresAt sql.NullInt64
	)
	err := row.Scan(&s.ReadSeq, &s.ObjectKey, &s.StartOffset, &s.EndOffset, &s.ContentType, &s.SizeBytes, &s.MessageCount, &expiresAt)
	if err == sql.ErrNoRows {
		return SegmentRow{}, ErrNotFound
	}
	if err != nil {
		return SegmentRow{}, fmt.Errorf("hotstore: scan segment: %w", err)
	}
	if expiresAt.Valid {
		v := expiresAt.Int64
		s.ExpiresAt = &v
	}
	return s, nil
}

func scanSegments(rows *sql.Rows) ([]SegmentRow, error) {
	var out []SegmentRow
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

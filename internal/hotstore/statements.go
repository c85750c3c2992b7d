package hotstore

// Statement builders. Each returns a Stmt ready to hand to Batch; the
// engine composes several of these into one atomic commit (e.g. an
// append commits InsertOp + UpdateTail, and possibly UpsertProducer and
// CloseStream, in the same Batch call).

// InsertStream seeds the single stream_meta row. Called once, at stream
// creation.
func InsertStream(m Meta) Stmt {
	var ttl, expiresAt, closedProducer, closedEpoch, closedSeq any
	if m.TTLSeconds != nil {
		ttl = *m.TTLSeconds
	}
	if m.ExpiresAt != nil {
		expiresAt = *m.ExpiresAt
	}
	if m.ClosedBy != nil {
		closedProducer, closedEpoch, closedSeq = m.ClosedBy.ProducerID, m.ClosedBy.Epoch, m.ClosedBy.Seq
	}
	return Stmt{
		SQL: `INSERT INTO stream_meta (
			id, project_id, stream_id, content_type, closed, tail_offset, read_seq,
			segment_start, segment_msg_count, segment_byte_count, last_stream_seq,
			ttl_seconds, expires_at, created_at, public, retain_ops,
			close_producer_id, close_producer_epoch, close_producer_seq
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			m.ProjectID, m.StreamID, m.ContentType, boolToInt(m.Closed), m.TailOffset, m.ReadSeq,
			m.SegmentStart, m.SegmentMsgCount, m.SegmentByteCount, m.LastStreamSeq,
			ttl, expiresAt, m.CreatedAt, boolToInt(m.Public), boolToInt(m.RetainOps),
			closedProducer, closedEpoch, closedSeq,
		},
	}
}

// UpdateTail advances the hot segment's tail offset, segment counters and
// last-seen stream-sequence token after a successful append.
func UpdateTail(tailOffset, segmentMsgCount, segmentByteCount uint64, lastStreamSeq string) Stmt {
	return Stmt{
		SQL: `UPDATE stream_meta SET tail_offset = ?, segment_msg_count = ?, segment_byte_count = ?, last_stream_seq = ? WHERE id = 1`,
		Args: []any{tailOffset, segmentMsgCount, segmentByteCount, lastStreamSeq},
	}
}

// CloseStream marks the stream closed and records which producer call
// closed it, so a replayed close request can be recognized.
func CloseStream(closedBy *ClosedBy) Stmt {
	var producerID any
	var epoch, seq any
	if closedBy != nil {
		producerID, epoch, seq = closedBy.ProducerID, closedBy.Epoch, closedBy.Seq
	}
	return Stmt{
		SQL:  `UPDATE stream_meta SET closed = 1, close_producer_id = ?, close_producer_epoch = ?, close_producer_seq = ? WHERE id = 1`,
		Args: []any{producerID, epoch, seq},
	}
}

// DeleteStream removes every row from every relation. The SQLite file
// itself is not removed; it stays on disk, emptied.
func DeleteStream() []Stmt {
	return []Stmt{
		{SQL: `DELETE FROM ops`},
		{SQL: `DELETE FROM producers`},
		{SQL: `DELETE FROM segments`},
		{SQL: `DELETE FROM stream_meta WHERE id = 1`},
	}
}

// InsertOp appends one committed op.
func InsertOp(o Op) Stmt {
	var epoch, seq any
	if o.ProducerEpoch != nil {
		epoch = *o.ProducerEpoch
	}
	if o.ProducerSeq != nil {
		seq = *o.ProducerSeq
	}
	return Stmt{
		SQL: `INSERT INTO ops (start_offset, end_offset, size_bytes, body, created_at, stream_seq, producer_id, producer_epoch, producer_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{o.StartOffset, o.EndOffset, o.SizeBytes, o.Body, o.CreatedAt, o.StreamSeq, nullString(o.ProducerID), epoch, seq},
	}
}

// DeleteOpsRange removes ops fully contained in [fromOffset, toOffset) —
// used after a segment rotation moves them into cold storage, unless the
// stream was created with retainOps=true.
func DeleteOpsRange(fromOffset, toOffset uint64) Stmt {
	return Stmt{
		SQL:  `DELETE FROM ops WHERE start_offset >= ? AND end_offset <= ?`,
		Args: []any{fromOffset, toOffset},
	}
}

// UpsertProducer writes a producer's idempotency state after a validated
// append or epoch transition.
func UpsertProducer(p ProducerRow) Stmt {
	return Stmt{
		SQL: `INSERT INTO producers (producer_id, epoch, last_seq, last_offset, last_updated)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(producer_id) DO UPDATE SET epoch = excluded.epoch, last_seq = excluded.last_seq,
				last_offset = excluded.last_offset, last_updated = excluded.last_updated`,
		Args: []any{p.ProducerID, p.Epoch, p.LastSeq, p.LastOffset, p.LastUpdated},
	}
}

// DeleteProducer drops a producer's idempotency state, e.g. on lazy
// 7-day expiry.
func DeleteProducer(producerID string) Stmt {
	return Stmt{SQL: `DELETE FROM producers WHERE producer_id = ?`, Args: []any{producerID}}
}

// InsertSegment records one rotated cold segment in the index.
func InsertSegment(s SegmentRow) Stmt {
	var expiresAt any
	if s.ExpiresAt != nil {
		expiresAt = *s.ExpiresAt
	}
	return Stmt{
		SQL: `INSERT INTO segments (read_seq, object_key, start_offset, end_offset, content_type, size_bytes, message_count, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{s.ReadSeq, s.ObjectKey, s.StartOffset, s.EndOffset, s.ContentType, s.SizeBytes, s.MessageCount, expiresAt},
	}
}

// RotateHotSegment bumps the stream to a new hot segment after the
// current one is rotated to cold storage: read_seq advances, the new
// segment's absolute start becomes the (unchanged) absolute tail, and
// the segment-local message/byte counters reset. tail_offset itself is
// never reset — it is an absolute, whole-stream byte position; only the
// client-facing offset token's ByteOffset field (tail_offset -
// segment_start) goes back to 0 after a rotation.
func RotateHotSegment(newReadSeq uint64) Stmt {
	return Stmt{
		SQL:  `UPDATE stream_meta SET read_seq = ?, segment_start = tail_offset, segment_msg_count = 0, segment_byte_count = 0 WHERE id = 1`,
		Args: []any{newReadSeq},
	}
}

// DeleteSegment removes one cold segment's index row. Used by test
// tooling to simulate a lost segment; it does not touch blob storage.
func DeleteSegment(readSeq uint64) Stmt {
	return Stmt{SQL: `DELETE FROM segments WHERE read_seq = ?`, Args: []any{readSeq}}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

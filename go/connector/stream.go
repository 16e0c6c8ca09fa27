package connector

import "context"

// StreamBatchSize is the row batch granularity of streaming reads, and the
// capacity of the hand-off channel between the producer and the consumer.
const StreamBatchSize = 100

// RowStream is an incrementally produced result set. A single producer
// goroutine owns the backend cursor and feeds a bounded channel; the consumer
// ranges over Rows and then checks Err.
type RowStream struct {
	rows chan Row
	err  error
}

// NewRowStream starts a producer goroutine running produce. The emit callback
// blocks when the consumer falls behind by more than StreamBatchSize rows,
// and fails once ctx is done. Any error from produce is surfaced through Err
// after Rows is drained.
func NewRowStream(ctx context.Context, produce func(emit func(Row) error) error) *RowStream {
	var stream = &RowStream{rows: make(chan Row, StreamBatchSize)}

	go func() {
		// The error write is ordered before the channel close, which
		// orders it before any Err call that follows the drain.
		stream.err = produce(func(row Row) error {
			select {
			case stream.rows <- row:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		close(stream.rows)
	}()

	return stream
}

// Rows returns the channel of result rows. It is closed when the stream is
// exhausted or failed.
func (s *RowStream) Rows() <-chan Row { return s.rows }

// Err reports the producer's error. It is only valid after Rows has been
// fully drained.
func (s *RowStream) Err() error { return s.err }

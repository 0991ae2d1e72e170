// Package harvest pulls records from external sources into the graph store.
package harvest

import (
	"context"
	"fmt"
	"iter"

	"github.com/google/uuid"
)

// Record is one source record as harvested.
type Record struct {
	// ID is the identifier the source knows the record by.
	ID          string
	Content     []byte
	ContentType string
	// Deleted is set when the source reports the record as withdrawn.
	Deleted bool
}

// Harvester enumerates one external source. RecordIDs and Records are lazy:
// a consumer that stops early causes no further requests.
type Harvester interface {
	Name() string
	RecordIDs(ctx context.Context) iter.Seq2[string, error]
	Records(ctx context.Context) iter.Seq2[Record, error]
	GetRecord(ctx context.Context, id string) (Record, error)
	// Count is the number of records; sources without a cheap count
	// delegate to CountIDs.
	Count(ctx context.Context) (int, error)
}

// CountIDs counts by enumerating every identifier.
func CountIDs(ctx context.Context, h Harvester) (int, error) {
	n := 0
	for _, err := range h.RecordIDs(ctx) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Take returns at most n items from seq, stopping the sequence afterwards.
func Take[T any](seq iter.Seq2[T, error], n int) ([]T, error) {
	out := make([]T, 0, n)
	if n <= 0 {
		return out, nil
	}
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

// Error is a failed page or window request: the source answered, but not
// with success. It aborts the harvest and is never retried.
type Error struct {
	Harvester string
	URL       string
	Status    int
	Message   string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s returned %d", e.Harvester, e.URL, e.Status)
	}
	return fmt.Sprintf("%s: %s returned %d: %s", e.Harvester, e.URL, e.Status, e.Message)
}

// TransportError is a request or response body that failed in transit: the
// connection broke or went quiet. Unlike Error, the source never gave an
// answer, so a later run may succeed.
type TransportError struct {
	Harvester string
	URL       string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: request %s: %v", e.Harvester, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RecordError is a problem confined to one record. Harvests log it and move on.
type RecordError struct {
	ID      string
	Content []byte
	Err     error
}

func (e *RecordError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("malformed record: %v", e.Err)
	}
	return fmt.Sprintf("record %s: %v", e.ID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Mint derives the local name of a source record. The same harvester and
// source identifier always map to the same name.
func Mint(harvester, id string) string {
	ns := uuid.NewSHA1(uuid.NameSpaceURL, []byte(harvester))
	return uuid.NewSHA1(ns, []byte(id)).String()
}

// Package archive stores analysed snapshots: the frame that was sent to the
// vision-language model together with the question and the answer.
//
// Archiving is best effort. The snapshot path logs archive failures and still
// returns the answer to the caller.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Record describes one analysed snapshot.
type Record struct {
	RequestID  string        `json:"request_id"`
	FrameKey   string        `json:"frame"`
	Question   string        `json:"question"`
	Answer     string        `json:"answer"`
	CapturedAt time.Time     `json:"captured_at"`
	AnsweredAt time.Time     `json:"answered_at"`
	Latency    time.Duration `json:"latency"`
}

// Snapshot is what gets archived: the record and the JPEG-encoded frame.
type Snapshot struct {
	Record Record
	JPEG   []byte
}

// Store persists snapshots.
type Store interface {
	// Save writes s and returns where the image ended up (a path or object
	// key).
	Save(ctx context.Context, s Snapshot) (string, error)
}

// BaseName returns "frame_<unix millis>" for t, the naming used for every
// archived image.
func BaseName(t time.Time) string {
	return "frame_" + strconv.FormatInt(t.UnixMilli(), 10)
}

// Sidecar encodes the record as indented JSON.
func Sidecar(r Record) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: marshal record: %w", err)
	}
	return data, nil
}

// Multi saves to every member store. It returns the location reported by the first
// member that succeeded and all errors joined.
type Multi []Store

// Save implements [Store].
func (m Multi) Save(ctx context.Context, s Snapshot) (string, error) {
	var (
		first string
		errs  []error
	)
	for _, st := range m {
		loc, err := st.Save(ctx, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if first == "" {
			first = loc
		}
	}
	return first, errors.Join(errs...)
}

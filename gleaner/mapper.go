// Package gleaner implements the log gleaner of spec §4.7: a Mapper per
// logger file stream that groups committed log records by partition, a
// Reducer per NUMA node that sort-merges them with newer-wins de-duplication,
// and a Composer that folds the reduced stream into new snapshot pages.
// Grounded on pipeline.Pipeline's batch-oriented record flow, generalized
// from the hot-path transaction pipeline to gleaner's offline merge passes.
package gleaner

import (
	"bufio"
	"io"

	"github.com/pkg/errors"

	"github.com/outofforest/quantum/epoch"
	"github.com/outofforest/quantum/logbuf"
	"github.com/outofforest/quantum/types"
)

// MappedRecord is one array-overwrite log record attributed to the epoch it
// committed in, destined for the Reducer owning its partition (spec §4.7
// "Mapper ... groups records by (storage_id, partition) and delivers them
// to the reducer owning the partition").
type MappedRecord struct {
	StorageID types.StorageID
	Key       uint64
	Epoch     epoch.Epoch
	Seq       uint64
	Value     []byte
}

// Mapper reads one logger's closed file stream (its rotated segments
// concatenated in order) and emits the ArrayOverwriteLogType records
// falling within (baseEpoch, untilEpoch]. FillerLogType padding is skipped;
// EpochMarkerLogType records update the current epoch and bound the window,
// per spec §4.7 "epoch markers are preserved as stream boundaries".
type Mapper struct {
	r            *bufio.Reader
	baseEpoch    epoch.Epoch
	untilEpoch   epoch.Epoch
	currentEpoch epoch.Epoch
	seq          uint64
}

// NewMapper wraps r, the byte stream of one logger's segments.
func NewMapper(r io.Reader, baseEpoch, untilEpoch epoch.Epoch) *Mapper {
	return &Mapper{r: bufio.NewReaderSize(r, 1<<20), baseEpoch: baseEpoch, untilEpoch: untilEpoch}
}

// Run reads the stream to completion (or until untilEpoch is exceeded),
// calling fn for every in-window record in file order.
func (m *Mapper) Run(fn func(MappedRecord) error) error {
	for {
		hdr := make([]byte, logbuf.RecordHeaderSize)
		if _, err := io.ReadFull(m.r, hdr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return errors.WithStack(err)
		}

		storageID, recordLen, typeCode, err := logbuf.DecodeHeader(hdr)
		if err != nil {
			return err
		}
		if int(recordLen) < logbuf.RecordHeaderSize {
			return errors.New("gleaner: corrupt log record length")
		}
		payload := make([]byte, int(recordLen)-logbuf.RecordHeaderSize)
		if _, err := io.ReadFull(m.r, payload); err != nil {
			return errors.WithStack(err)
		}

		switch typeCode {
		case logbuf.FillerLogType:
			continue

		case logbuf.EpochMarkerLogType:
			_, newEpoch, err := logbuf.DecodeEpochMarker(payload)
			if err != nil {
				return err
			}
			m.currentEpoch = newEpoch
			if m.untilEpoch.IsValid() && m.untilEpoch.Less(m.currentEpoch) {
				return nil
			}

		case logbuf.ArrayOverwriteLogType:
			if m.currentEpoch.IsValid() && (m.currentEpoch.Less(m.baseEpoch) || m.currentEpoch == m.baseEpoch) {
				continue
			}
			offset, _, _, data, err := logbuf.DecodeArrayOverwrite(payload)
			if err != nil {
				return err
			}
			m.seq++
			if err := fn(MappedRecord{
				StorageID: storageID,
				Key:       offset,
				Epoch:     m.currentEpoch,
				Seq:       m.seq,
				Value:     append([]byte(nil), data...),
			}); err != nil {
				return err
			}

		default:
			return errors.Errorf("gleaner: unknown log record type %d", typeCode)
		}
	}
}

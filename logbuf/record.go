package logbuf

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/outofforest/quantum/epoch"
	"github.com/outofforest/quantum/types"
)

// LogTypeCode identifies the kind of a log record (spec §6 "Log file
// format").
type LogTypeCode uint16

// LogTypeCode values. FillerLogType and EpochMarkerLogType are generic;
// everything else is storage-specific.
const (
	FillerLogType LogTypeCode = iota
	EpochMarkerLogType
	ArrayOverwriteLogType
)

// RecordHeaderSize is the fixed {storage_id: u32, log_length: u16,
// log_type_code: u16} prefix every record begins with.
const RecordHeaderSize = 4 + 2 + 2

// EncodeHeader writes a record header for a payload of payloadLen bytes.
func EncodeHeader(storageID types.StorageID, payloadLen int, typeCode LogTypeCode) []byte {
	b := make([]byte, RecordHeaderSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(storageID))
	binary.BigEndian.PutUint16(b[4:6], uint16(RecordHeaderSize+payloadLen))
	binary.BigEndian.PutUint16(b[6:8], uint16(typeCode))
	return b
}

// DecodeHeader parses the fixed record header at the start of b.
func DecodeHeader(b []byte) (storageID types.StorageID, recordLength uint16, typeCode LogTypeCode, err error) {
	if len(b) < RecordHeaderSize {
		return 0, 0, 0, errors.New("logbuf: record header truncated")
	}
	storageID = types.StorageID(binary.BigEndian.Uint32(b[0:4]))
	recordLength = binary.BigEndian.Uint16(b[4:6])
	typeCode = LogTypeCode(binary.BigEndian.Uint16(b[6:8]))
	return storageID, recordLength, typeCode, nil
}

// EncodeFiller builds a complete FillerLogType record of exactly n bytes
// (n must be at least RecordHeaderSize), used to pad a log file to a 4 KiB
// boundary (spec §6 "padding is a FillerLogType record").
func EncodeFiller(n int) []byte {
	if n < RecordHeaderSize {
		panic("logbuf: filler record shorter than header")
	}
	b := make([]byte, n)
	copy(b, EncodeHeader(0, n-RecordHeaderSize, FillerLogType))
	return b
}

// EncodeEpochMarker builds a complete EpochMarkerLogType record carrying
// {old_epoch, new_epoch}.
func EncodeEpochMarker(oldEpoch, newEpoch epoch.Epoch) []byte {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], uint32(oldEpoch))
	binary.BigEndian.PutUint32(payload[4:8], uint32(newEpoch))
	return append(EncodeHeader(0, len(payload), EpochMarkerLogType), payload...)
}

// DecodeEpochMarker parses the payload of an EpochMarkerLogType record
// (the bytes following its header).
func DecodeEpochMarker(payload []byte) (oldEpoch, newEpoch epoch.Epoch, err error) {
	if len(payload) < 8 {
		return 0, 0, errors.New("logbuf: epoch marker payload truncated")
	}
	return epoch.Epoch(binary.BigEndian.Uint32(payload[0:4])),
		epoch.Epoch(binary.BigEndian.Uint32(payload[4:8])),
		nil
}

// EncodeArrayOverwrite builds a complete ArrayOverwriteLogType record
// carrying {offset, payload_offset, payload_length} followed by payload
// (spec §6).
func EncodeArrayOverwrite(storageID types.StorageID, offset, payloadOffset, payloadLength uint64, payload []byte) []byte {
	fields := make([]byte, 24)
	binary.BigEndian.PutUint64(fields[0:8], offset)
	binary.BigEndian.PutUint64(fields[8:16], payloadOffset)
	binary.BigEndian.PutUint64(fields[16:24], payloadLength)

	record := make([]byte, RecordHeaderSize, RecordHeaderSize+len(fields)+len(payload))
	copy(record, EncodeHeader(storageID, len(fields)+len(payload), ArrayOverwriteLogType))
	record = append(record, fields...)
	record = append(record, payload...)
	return record
}

// DecodeArrayOverwrite parses the payload of an ArrayOverwriteLogType
// record (the bytes following its header).
func DecodeArrayOverwrite(payload []byte) (offset, payloadOffset, payloadLength uint64, data []byte, err error) {
	if len(payload) < 24 {
		return 0, 0, 0, nil, errors.New("logbuf: array overwrite payload truncated")
	}
	offset = binary.BigEndian.Uint64(payload[0:8])
	payloadOffset = binary.BigEndian.Uint64(payload[8:16])
	payloadLength = binary.BigEndian.Uint64(payload[16:24])
	data = payload[24:]
	return offset, payloadOffset, payloadLength, data, nil
}

// Package types defines the wire layout of the worker ABI messages the
// example tx/genesis and tx/transfer procedures exchange through
// worker.Session's input bytes and fixed-size output buffer (spec §4.5).
// Grounded on logbuf/record.go's fixed-width big-endian encode/decode
// convention, generalized from log records to procedure request/response
// structs.
package types

import "encoding/binary"

// AccountValueSize is the per-account item size array storage allocates for
// the accounts space: one big-endian uint64 balance.
const AccountValueSize = 8

// GenesisRequestSize is the encoded size of GenesisRequest.
const GenesisRequestSize = 16

// GenesisRequest is the input to the "genesis" procedure: create
// NumAccounts accounts, each funded with InitialBalance.
type GenesisRequest struct {
	NumAccounts    uint64
	InitialBalance uint64
}

// EncodeGenesisRequest serializes req into a fresh GenesisRequestSize buffer.
func EncodeGenesisRequest(req GenesisRequest) []byte {
	buf := make([]byte, GenesisRequestSize)
	binary.BigEndian.PutUint64(buf[0:8], req.NumAccounts)
	binary.BigEndian.PutUint64(buf[8:16], req.InitialBalance)
	return buf
}

// DecodeGenesisRequest parses a GenesisRequest from input.
func DecodeGenesisRequest(input []byte) (GenesisRequest, bool) {
	if len(input) < GenesisRequestSize {
		return GenesisRequest{}, false
	}
	return GenesisRequest{
		NumAccounts:    binary.BigEndian.Uint64(input[0:8]),
		InitialBalance: binary.BigEndian.Uint64(input[8:16]),
	}, true
}

// TransferRequestSize is the encoded size of TransferRequest.
const TransferRequestSize = 24

// TransferRequest is the input to the "transfer" procedure: move Amount
// from the From account to the To account.
type TransferRequest struct {
	From   uint64
	To     uint64
	Amount uint64
}

// EncodeTransferRequest serializes req into a fresh TransferRequestSize buffer.
func EncodeTransferRequest(req TransferRequest) []byte {
	buf := make([]byte, TransferRequestSize)
	binary.BigEndian.PutUint64(buf[0:8], req.From)
	binary.BigEndian.PutUint64(buf[8:16], req.To)
	binary.BigEndian.PutUint64(buf[16:24], req.Amount)
	return buf
}

// DecodeTransferRequest parses a TransferRequest from input.
func DecodeTransferRequest(input []byte) (TransferRequest, bool) {
	if len(input) < TransferRequestSize {
		return TransferRequest{}, false
	}
	return TransferRequest{
		From:   binary.BigEndian.Uint64(input[0:8]),
		To:     binary.BigEndian.Uint64(input[8:16]),
		Amount: binary.BigEndian.Uint64(input[16:24]),
	}, true
}

// TransferResponseSize is the encoded size of TransferResponse.
const TransferResponseSize = 16

// TransferResponse is the output "transfer" writes into the session's
// fixed-size output buffer: the two accounts' post-transfer balances.
type TransferResponse struct {
	FromBalance uint64
	ToBalance   uint64
}

// EncodeTransferResponseInto writes resp into the first TransferResponseSize
// bytes of output, which must be at least that long (worker.OutputBufferSize
// always is).
func EncodeTransferResponseInto(output []byte, resp TransferResponse) {
	binary.BigEndian.PutUint64(output[0:8], resp.FromBalance)
	binary.BigEndian.PutUint64(output[8:16], resp.ToBalance)
}

// DecodeTransferResponse parses a TransferResponse out of a session's
// output buffer.
func DecodeTransferResponse(output []byte) TransferResponse {
	return TransferResponse{
		FromBalance: binary.BigEndian.Uint64(output[0:8]),
		ToBalance:   binary.BigEndian.Uint64(output[8:16]),
	}
}

// EncodeBalance serializes a balance into a fresh AccountValueSize buffer,
// the value array storage expects for one account record.
func EncodeBalance(balance uint64) []byte {
	buf := make([]byte, AccountValueSize)
	binary.BigEndian.PutUint64(buf, balance)
	return buf
}

// DecodeBalance parses a balance out of an account record's payload.
func DecodeBalance(payload []byte) uint64 {
	return binary.BigEndian.Uint64(payload[:AccountValueSize])
}

package codec

import (
	"fmt"

	"github.com/maidsafe/sn-node/model/messages"
)

const (
	CodeMin uint8 = iota + 1

	// client surface
	CodeClientRead
	CodeClientWrite
	CodeClientDelete
	CodeClientRegisterOp
	CodeClientResponse

	// membership
	CodeJoinRequest
	CodeJoinResponse
	CodeRelocate

	// DKG
	CodeDKGStart
	CodePrivateDKGMessage
	CodeBroadcastDKGMessage
	CodeDKGFailure
	CodeDKGFailureSet

	// agreement
	CodeSignatureShare

	// anti-entropy
	CodeAntiEntropyRetry
	CodeAntiEntropyRedirect
	CodeAntiEntropyProbe
	CodeAntiEntropyUpdate

	// chunk replication
	CodeStoreChunk
	CodeChunkStored
	CodeStoreFailed
	CodeFetchChunk
	CodeChunkRetrieved
	CodeReplicate
	CodeStorageLevel
	CodeDeleteChunk

	// system
	CodeUnsupportedVersion

	CodeMax
)

// MessageCodeFromInterface returns the wire code for the underlying type of
// message v.
func MessageCodeFromInterface(v interface{}) (uint8, string, error) {
	switch v.(type) {
	case *messages.ClientRead:
		return CodeClientRead, "messages.ClientRead", nil
	case *messages.ClientWrite:
		return CodeClientWrite, "messages.ClientWrite", nil
	case *messages.ClientDelete:
		return CodeClientDelete, "messages.ClientDelete", nil
	case *messages.ClientRegisterOp:
		return CodeClientRegisterOp, "messages.ClientRegisterOp", nil
	case *messages.ClientResponse:
		return CodeClientResponse, "messages.ClientResponse", nil

	case *messages.JoinRequest:
		return CodeJoinRequest, "messages.JoinRequest", nil
	case *messages.JoinResponse:
		return CodeJoinResponse, "messages.JoinResponse", nil
	case *messages.Relocate:
		return CodeRelocate, "messages.Relocate", nil

	case *messages.DKGStart:
		return CodeDKGStart, "messages.DKGStart", nil
	case *messages.PrivateDKGMessage:
		return CodePrivateDKGMessage, "messages.PrivateDKGMessage", nil
	case *messages.BroadcastDKGMessage:
		return CodeBroadcastDKGMessage, "messages.BroadcastDKGMessage", nil
	case *messages.DKGFailure:
		return CodeDKGFailure, "messages.DKGFailure", nil
	case *messages.DKGFailureSet:
		return CodeDKGFailureSet, "messages.DKGFailureSet", nil

	case *messages.SignatureShare:
		return CodeSignatureShare, "messages.SignatureShare", nil

	case *messages.AntiEntropyRetry:
		return CodeAntiEntropyRetry, "messages.AntiEntropyRetry", nil
	case *messages.AntiEntropyRedirect:
		return CodeAntiEntropyRedirect, "messages.AntiEntropyRedirect", nil
	case *messages.AntiEntropyProbe:
		return CodeAntiEntropyProbe, "messages.AntiEntropyProbe", nil
	case *messages.AntiEntropyUpdate:
		return CodeAntiEntropyUpdate, "messages.AntiEntropyUpdate", nil

	case *messages.StoreChunk:
		return CodeStoreChunk, "messages.StoreChunk", nil
	case *messages.ChunkStored:
		return CodeChunkStored, "messages.ChunkStored", nil
	case *messages.StoreFailed:
		return CodeStoreFailed, "messages.StoreFailed", nil
	case *messages.FetchChunk:
		return CodeFetchChunk, "messages.FetchChunk", nil
	case *messages.ChunkRetrieved:
		return CodeChunkRetrieved, "messages.ChunkRetrieved", nil
	case *messages.Replicate:
		return CodeReplicate, "messages.Replicate", nil
	case *messages.StorageLevel:
		return CodeStorageLevel, "messages.StorageLevel", nil
	case *messages.DeleteChunk:
		return CodeDeleteChunk, "messages.DeleteChunk", nil

	case *messages.UnsupportedVersion:
		return CodeUnsupportedVersion, "messages.UnsupportedVersion", nil

	default:
		return 0, "", fmt.Errorf("unknown message type %T", v)
	}
}

// InterfaceFromMessageCode returns a new zero value of the type registered
// for the given wire code.
func InterfaceFromMessageCode(code uint8) (interface{}, string, error) {
	switch code {
	case CodeClientRead:
		return &messages.ClientRead{}, "messages.ClientRead", nil
	case CodeClientWrite:
		return &messages.ClientWrite{}, "messages.ClientWrite", nil
	case CodeClientDelete:
		return &messages.ClientDelete{}, "messages.ClientDelete", nil
	case CodeClientRegisterOp:
		return &messages.ClientRegisterOp{}, "messages.ClientRegisterOp", nil
	case CodeClientResponse:
		return &messages.ClientResponse{}, "messages.ClientResponse", nil

	case CodeJoinRequest:
		return &messages.JoinRequest{}, "messages.JoinRequest", nil
	case CodeJoinResponse:
		return &messages.JoinResponse{}, "messages.JoinResponse", nil
	case CodeRelocate:
		return &messages.Relocate{}, "messages.Relocate", nil

	case CodeDKGStart:
		return &messages.DKGStart{}, "messages.DKGStart", nil
	case CodePrivateDKGMessage:
		return &messages.PrivateDKGMessage{}, "messages.PrivateDKGMessage", nil
	case CodeBroadcastDKGMessage:
		return &messages.BroadcastDKGMessage{}, "messages.BroadcastDKGMessage", nil
	case CodeDKGFailure:
		return &messages.DKGFailure{}, "messages.DKGFailure", nil
	case CodeDKGFailureSet:
		return &messages.DKGFailureSet{}, "messages.DKGFailureSet", nil

	case CodeSignatureShare:
		return &messages.SignatureShare{}, "messages.SignatureShare", nil

	case CodeAntiEntropyRetry:
		return &messages.AntiEntropyRetry{}, "messages.AntiEntropyRetry", nil
	case CodeAntiEntropyRedirect:
		return &messages.AntiEntropyRedirect{}, "messages.AntiEntropyRedirect", nil
	case CodeAntiEntropyProbe:
		return &messages.AntiEntropyProbe{}, "messages.AntiEntropyProbe", nil
	case CodeAntiEntropyUpdate:
		return &messages.AntiEntropyUpdate{}, "messages.AntiEntropyUpdate", nil

	case CodeStoreChunk:
		return &messages.StoreChunk{}, "messages.StoreChunk", nil
	case CodeChunkStored:
		return &messages.ChunkStored{}, "messages.ChunkStored", nil
	case CodeStoreFailed:
		return &messages.StoreFailed{}, "messages.StoreFailed", nil
	case CodeFetchChunk:
		return &messages.FetchChunk{}, "messages.FetchChunk", nil
	case CodeChunkRetrieved:
		return &messages.ChunkRetrieved{}, "messages.ChunkRetrieved", nil
	case CodeReplicate:
		return &messages.Replicate{}, "messages.Replicate", nil
	case CodeStorageLevel:
		return &messages.StorageLevel{}, "messages.StorageLevel", nil
	case CodeDeleteChunk:
		return &messages.DeleteChunk{}, "messages.DeleteChunk", nil

	case CodeUnsupportedVersion:
		return &messages.UnsupportedVersion{}, "messages.UnsupportedVersion", nil

	default:
		return nil, "", fmt.Errorf("unknown message code %d", code)
	}
}

package locator

import "github.com/shamaton/msgpack/v2"

// Wire types mirror the RPC surface service_ready/get_replica_list/
// batch_get_replica_list: small tagged structs round-tripped through
// github.com/shamaton/msgpack/v2.

type wireRequest struct {
	Op   string   `msgpack:"op"`
	Key  string   `msgpack:"key,omitempty"`
	Keys []string `msgpack:"keys,omitempty"`
}

type wireBuffer struct {
	Endpoint string `msgpack:"endpoint"`
	Size     uint64 `msgpack:"size"`
}

type wireReplica struct {
	Status  int          `msgpack:"status"`
	Kind    int          `msgpack:"kind"`
	Buffers []wireBuffer `msgpack:"buffers,omitempty"`
}

type wireResponse struct {
	Code     int           `msgpack:"code"`
	Replicas []wireReplica `msgpack:"replicas,omitempty"`
}

type wireBatchResponse struct {
	Results []wireResponse `msgpack:"results"`
}

func encodeGetRequest(key string) ([]byte, error) {
	return msgpack.Marshal(wireRequest{Op: "get_replica_list", Key: key})
}

func encodeBatchRequest(keys []string) ([]byte, error) {
	return msgpack.Marshal(wireRequest{Op: "batch_get_replica_list", Keys: keys})
}

func encodeServiceReadyRequest() ([]byte, error) {
	return msgpack.Marshal(wireRequest{Op: "service_ready"})
}

func decodeResponse(payload []byte) (wireResponse, error) {
	var resp wireResponse
	err := msgpack.Unmarshal(payload, &resp)
	return resp, err
}

func decodeBatchResponse(payload []byte) (wireBatchResponse, error) {
	var resp wireBatchResponse
	err := msgpack.Unmarshal(payload, &resp)
	return resp, err
}

func fromWireResponse(w wireResponse) GetReplicaListResponse {
	reps := make([]ReplicaDescriptor, len(w.Replicas))
	for i, r := range w.Replicas {
		bufs := make([]BufferDescriptor, len(r.Buffers))
		for j, b := range r.Buffers {
			bufs[j] = BufferDescriptor{TransportEndpoint: b.Endpoint, Size: b.Size}
		}
		reps[i] = ReplicaDescriptor{
			Status:  ReplicaStatus(r.Status),
			Kind:    ReplicaKind(r.Kind),
			Buffers: bufs,
		}
	}
	return GetReplicaListResponse{Replicas: reps}
}

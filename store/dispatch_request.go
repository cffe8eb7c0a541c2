package store

// DispatchRequest is the public replay record handed to the dispatch
// pipeline: either a fully decoded message position, or a sentinel
// whose size says why decoding stopped (0 = end of segment, -1 =
// malformed).
type DispatchRequest struct {
	topic                     string
	queueId                   int32
	commitLogOffset           int64
	msgSize                   int32
	tagsCode                  int64
	storeTimestamp            int64
	consumeQueueOffset        int64
	keys                      string
	success                   bool
	uniqKey                   string
	sysFlag                   int32
	preparedTransactionOffset int64
	propertiesMap             map[string]string
}

func NewDispatchRequestSentinel(size int32, success bool) *DispatchRequest {
	return &DispatchRequest{msgSize: size, success: success}
}

func (r *DispatchRequest) Topic() string             { return r.topic }
func (r *DispatchRequest) QueueId() int32            { return r.queueId }
func (r *DispatchRequest) CommitLogOffset() int64    { return r.commitLogOffset }
func (r *DispatchRequest) MsgSize() int32            { return r.msgSize }
func (r *DispatchRequest) TagsCode() int64           { return r.tagsCode }
func (r *DispatchRequest) StoreTimestamp() int64     { return r.storeTimestamp }
func (r *DispatchRequest) ConsumeQueueOffset() int64 { return r.consumeQueueOffset }
func (r *DispatchRequest) UniqKey() string           { return r.uniqKey }
func (r *DispatchRequest) Success() bool             { return r.success }

package store

// SelectMappedBufferResult is a read-only view into mapped bytes
// returned by the commit log's auxiliary reads: get_data and
// get_message both hand one of these back instead of copying.
type SelectMappedBufferResult struct {
	StartOffset int64
	Segment     *Segment
	Bytes       []byte
	Size        int32
}

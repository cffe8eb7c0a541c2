package store

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	log "github.com/sirupsen/logrus"

	"relaylog/common/nutil"
)

// Segment is one fixed-size, memory-mapped backing file of the commit
// log. Its name is its starting physical offset,
// 20-digit zero-padded decimal.
type Segment struct {
	file       *os.File
	region     mmap.MMap
	fileName   string
	fileSize   int32
	baseOffset int64

	wrotePosition     int32
	committedPosition int32
	flushedPosition   int32

	storeTimestamp int64

	transientBuf []byte
	mu           sync.Mutex
}

func segmentFileName(baseOffset int64) string {
	return nutil.Offset2FileName(baseOffset)
}

// OpenSegment maps (creating if absent) the segment file at dir/name,
// where name is baseOffset's 20-digit representation.
func OpenSegment(dir string, baseOffset int64, fileSize int32, useTransientPool bool) (*Segment, error) {
	name := segmentFileName(baseOffset)
	path := dir + string(os.PathSeparator) + name

	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		log.Errorf("openFile error: %s", err.Error())
		return nil, err
	}

	if !existed {
		if err := file.Truncate(int64(fileSize)); err != nil {
			file.Close()
			return nil, err
		}
	}

	region, err := mmap.MapRegion(file, int(fileSize), mmap.RDWR, 0, 0)
	if err != nil {
		log.Errorf("mmap error: %s", err.Error())
		file.Close()
		return nil, err
	}

	seg := &Segment{
		file:       file,
		region:     region,
		fileName:   path,
		fileSize:   fileSize,
		baseOffset: baseOffset,
	}

	if useTransientPool {
		seg.transientBuf = make([]byte, fileSize)
	}

	log.Infof("mapped segment %s (size=%d)", name, fileSize)
	return seg, nil
}

func (s *Segment) WrotePosition() int32     { return atomic.LoadInt32(&s.wrotePosition) }
func (s *Segment) CommittedPosition() int32 { return atomic.LoadInt32(&s.committedPosition) }
func (s *Segment) FlushedPosition() int32   { return atomic.LoadInt32(&s.flushedPosition) }
func (s *Segment) BaseOffset() int64        { return s.baseOffset }
func (s *Segment) FileSize() int32          { return s.fileSize }
func (s *Segment) StoreTimestamp() int64    { return atomic.LoadInt64(&s.storeTimestamp) }

func (s *Segment) IsFull() bool {
	return s.WrotePosition() >= s.fileSize
}

// AppendMessage invokes callback at the segment's current write
// position, under the segment's own append lock (the facade's writer
// serializer additionally guarantees at most one segment is being
// appended to across the whole commit log at a time; this lock only
// protects the position bookkeeping itself).
func (s *Segment) AppendMessage(msg *MessageExtBrokerInner, callback *AppendMessageCallback) *AppendMessageResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	currentPos := s.WrotePosition()
	if currentPos >= s.fileSize {
		log.Errorf("segment %s is full, cannot append", s.fileName)
		return &AppendMessageResult{Status: AppendUnknownError}
	}

	target := s.region
	if s.transientBuf != nil {
		target = s.transientBuf
	}

	result := callback.DoAppend(s.baseOffset, currentPos, target[currentPos:s.fileSize], msg)
	atomic.AddInt32(&s.wrotePosition, result.WroteBytes)
	if result.Status == AppendOk {
		atomic.StoreInt64(&s.storeTimestamp, result.StoreTimestamp)
	}
	if s.transientBuf == nil {
		atomic.AddInt32(&s.committedPosition, result.WroteBytes)
	}
	return result
}

// Flush persists dirty pages. leastPages=0 forces an unconditional
// flush; otherwise it is a no-op unless at least leastPages worth of
// bytes are unflushed. Returns true when there was nothing to do.
func (s *Segment) Flush(leastPages int32) bool {
	committed := s.CommittedPosition()
	flushed := s.FlushedPosition()
	if committed <= flushed {
		return true
	}
	if leastPages > 0 {
		pageSize := int32(4096)
		if (committed-flushed)/pageSize < leastPages {
			return true
		}
	}

	if err := s.region.Flush(); err != nil {
		log.Errorf("flush segment %s error: %s", s.fileName, err.Error())
		return true
	}
	atomic.StoreInt32(&s.flushedPosition, committed)
	return false
}

// Commit copies bytes from the transient write buffer into the mapped
// region; only meaningful when the segment was opened with a
// transient pool. Returns true when there was nothing to do.
func (s *Segment) Commit(leastPages int32) bool {
	if s.transientBuf == nil {
		return true
	}
	wrote := s.WrotePosition()
	committed := s.CommittedPosition()
	if wrote <= committed {
		return true
	}
	if leastPages > 0 {
		pageSize := int32(4096)
		if (wrote-committed)/pageSize < leastPages {
			return true
		}
	}

	copy(s.region[committed:wrote], s.transientBuf[committed:wrote])
	atomic.StoreInt32(&s.committedPosition, wrote)
	return false
}

func (s *Segment) SetWrotePosition(pos int32)     { atomic.StoreInt32(&s.wrotePosition, pos) }
func (s *Segment) SetCommittedPosition(pos int32) { atomic.StoreInt32(&s.committedPosition, pos) }
func (s *Segment) SetFlushedPosition(pos int32)   { atomic.StoreInt32(&s.flushedPosition, pos) }

// SelectBytes returns the slice of mapped bytes starting at pos, up to
// the current write position.
func (s *Segment) SelectBytes(pos int32) []byte {
	wrote := s.WrotePosition()
	if pos < 0 || pos >= wrote {
		return nil
	}
	return s.region[pos:wrote]
}

// SelectBytesLen returns exactly size mapped bytes starting at pos.
func (s *Segment) SelectBytesLen(pos, size int32) []byte {
	if pos < 0 || size < 0 || pos+size > s.fileSize {
		return nil
	}
	return s.region[pos : pos+size]
}

func (s *Segment) Destroy() error {
	if err := s.region.Unmap(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	return os.Remove(s.fileName)
}

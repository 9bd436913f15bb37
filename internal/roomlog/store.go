// Package roomlog persists per-room append-only record logs. Each room R
// owns a data file R.dat of length-prefixed records and a side index R.idx
// of u64 byte offsets, one per record in index order. Indices assigned by
// Append are the contiguous sequence 0, 1, 2, …
package roomlog

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Record is one stored input event. The broker stamps ServerTime; the
// posting client supplied ClientTime, Name and Payload.
type Record struct {
	ServerTime uint64
	ClientTime uint64
	Name       string
	Payload    []byte
}

var (
	// ErrCorruptIndex reports an index file whose size is not a multiple
	// of 8. The store refuses to open such a room; the index carries the
	// authoritative record count and cannot be trusted half-written.
	ErrCorruptIndex = errors.New("roomlog: corrupt index file")

	// ErrInvalidRoom reports a room name that cannot be used as a file
	// stem.
	ErrInvalidRoom = errors.New("roomlog: invalid room name")
)

// Store owns the open rooms of one data directory. Rooms are opened
// lazily on first use and cached with their offset table and current
// data-file size.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger
	rooms  map[string]*roomFiles
}

type roomFiles struct {
	dat     *os.File
	idx     *os.File
	offsets []uint64
	size    uint64
}

// Open prepares a store rooted at dir, creating the directory if needed.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	return &Store{dir: dir, logger: logger, rooms: make(map[string]*roomFiles)}, nil
}

// Append writes a length-prefixed record to the room's data file, records
// its offset in the index file, and returns the new record's index (the
// pre-append offset count).
func (s *Store) Append(room string, rec Record) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.roomLocked(room)
	if err != nil {
		return 0, err
	}

	body := encodeRecord(rec)
	offset := files.size
	if _, err := files.dat.WriteAt(body, int64(offset)); err != nil {
		return 0, errors.Wrapf(err, "append record to %s.dat", room)
	}

	var offsetBytes [8]byte
	binary.LittleEndian.PutUint64(offsetBytes[:], offset)
	if _, err := files.idx.WriteAt(offsetBytes[:], int64(len(files.offsets))*8); err != nil {
		return 0, errors.Wrapf(err, "append offset to %s.idx", room)
	}

	index := uint64(len(files.offsets))
	files.offsets = append(files.offsets, offset)
	files.size = offset + uint64(len(body))
	return index, nil
}

// Get reads the record at the given index via the offset table. The
// second return is false when the index is past the end of the room.
func (s *Store) Get(room string, index uint64) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.roomLocked(room)
	if err != nil {
		return Record{}, false, err
	}
	if index >= uint64(len(files.offsets)) {
		return Record{}, false, nil
	}

	offset := files.offsets[index]
	var lenBytes [4]byte
	if _, err := files.dat.ReadAt(lenBytes[:], int64(offset)); err != nil {
		return Record{}, false, errors.Wrapf(err, "read record length in %s.dat", room)
	}
	recordLen := binary.LittleEndian.Uint32(lenBytes[:])
	body := make([]byte, recordLen)
	if _, err := files.dat.ReadAt(body, int64(offset)+4); err != nil {
		return Record{}, false, errors.Wrapf(err, "read record body in %s.dat", room)
	}
	rec, err := decodeRecord(body)
	if err != nil {
		return Record{}, false, errors.Wrapf(err, "record %d in %s.dat", index, room)
	}
	return rec, true, nil
}

// Count reports the number of records in the room.
func (s *Store) Count(room string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.roomLocked(room)
	if err != nil {
		return 0, err
	}
	return uint64(len(files.offsets)), nil
}

// Rooms lists the rooms currently open in memory.
func (s *Store) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	return names
}

// Close releases every open room.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, files := range s.rooms {
		if err := files.dat.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close %s.dat", name)
		}
		if err := files.idx.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close %s.idx", name)
		}
	}
	s.rooms = make(map[string]*roomFiles)
	return firstErr
}

func (s *Store) roomLocked(room string) (*roomFiles, error) {
	if files, ok := s.rooms[room]; ok {
		return files, nil
	}
	if room == "" || strings.ContainsAny(room, "/\\") || room == "." || room == ".." {
		return nil, errors.Wrapf(ErrInvalidRoom, "%q", room)
	}

	datPath := filepath.Join(s.dir, room+".dat")
	idxPath := filepath.Join(s.dir, room+".idx")

	dat, err := os.OpenFile(datPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s.dat", room)
	}

	offsets, size, rebuilt, err := s.loadIndex(room, dat, idxPath)
	if err != nil {
		dat.Close()
		return nil, err
	}

	idx, err := os.OpenFile(idxPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		dat.Close()
		return nil, errors.Wrapf(err, "open %s.idx", room)
	}
	if rebuilt {
		if err := writeIndexFile(idx, offsets); err != nil {
			dat.Close()
			idx.Close()
			return nil, errors.Wrapf(err, "rewrite %s.idx", room)
		}
		s.logger.Info("rebuilt room index",
			zap.String("room", room),
			zap.Int("records", len(offsets)))
	}

	files := &roomFiles{dat: dat, idx: idx, offsets: offsets, size: size}
	s.rooms[room] = files
	return files, nil
}

// loadIndex reads R.idx when present, or rebuilds the offset table by
// scanning R.dat when the index file is missing. A trailing partial
// record found during the scan is truncated away.
func (s *Store) loadIndex(room string, dat *os.File, idxPath string) (offsets []uint64, size uint64, rebuilt bool, err error) {
	raw, readErr := os.ReadFile(idxPath)
	if readErr == nil {
		if len(raw)%8 != 0 {
			return nil, 0, false, errors.Wrapf(ErrCorruptIndex, "%s.idx is %d bytes", room, len(raw))
		}
		offsets = make([]uint64, len(raw)/8)
		for i := range offsets {
			offsets[i] = binary.LittleEndian.Uint64(raw[i*8:])
		}
		info, err := dat.Stat()
		if err != nil {
			return nil, 0, false, errors.Wrapf(err, "stat %s.dat", room)
		}
		return offsets, uint64(info.Size()), false, nil
	}
	if !os.IsNotExist(readErr) {
		return nil, 0, false, errors.Wrapf(readErr, "read %s.idx", room)
	}

	info, err := dat.Stat()
	if err != nil {
		return nil, 0, false, errors.Wrapf(err, "stat %s.dat", room)
	}
	total := uint64(info.Size())
	offsets = make([]uint64, 0)
	var cursor uint64
	for cursor+4 <= total {
		var lenBytes [4]byte
		if _, err := dat.ReadAt(lenBytes[:], int64(cursor)); err != nil {
			return nil, 0, false, errors.Wrapf(err, "scan %s.dat", room)
		}
		recordLen := uint64(binary.LittleEndian.Uint32(lenBytes[:]))
		if cursor+4+recordLen > total {
			break
		}
		offsets = append(offsets, cursor)
		cursor += 4 + recordLen
	}
	if cursor < total {
		if err := dat.Truncate(int64(cursor)); err != nil {
			return nil, 0, false, errors.Wrapf(err, "truncate partial record in %s.dat", room)
		}
		s.logger.Warn("truncated partial trailing record",
			zap.String("room", room),
			zap.Uint64("at", cursor),
			zap.Uint64("was", total))
	}
	return offsets, cursor, true, nil
}

func writeIndexFile(idx *os.File, offsets []uint64) error {
	buf := make([]byte, len(offsets)*8)
	for i, offset := range offsets {
		binary.LittleEndian.PutUint64(buf[i*8:], offset)
	}
	if err := idx.Truncate(0); err != nil {
		return err
	}
	_, err := idx.WriteAt(buf, 0)
	return err
}

// Record layout after the u32 record_len prefix:
// [u64 server_time][u64 client_time][u32 name_len][name][u32 payload_len][payload]
func encodeRecord(rec Record) []byte {
	recordLen := 8 + 8 + 4 + len(rec.Name) + 4 + len(rec.Payload)
	buf := make([]byte, 4+recordLen)
	binary.LittleEndian.PutUint32(buf, uint32(recordLen))
	binary.LittleEndian.PutUint64(buf[4:], rec.ServerTime)
	binary.LittleEndian.PutUint64(buf[12:], rec.ClientTime)
	binary.LittleEndian.PutUint32(buf[20:], uint32(len(rec.Name)))
	copy(buf[24:], rec.Name)
	payloadAt := 24 + len(rec.Name)
	binary.LittleEndian.PutUint32(buf[payloadAt:], uint32(len(rec.Payload)))
	copy(buf[payloadAt+4:], rec.Payload)
	return buf
}

func decodeRecord(body []byte) (Record, error) {
	if len(body) < 24 {
		return Record{}, errors.Wrap(io.ErrUnexpectedEOF, "record too short")
	}
	rec := Record{
		ServerTime: binary.LittleEndian.Uint64(body),
		ClientTime: binary.LittleEndian.Uint64(body[8:]),
	}
	nameLen := int(binary.LittleEndian.Uint32(body[16:]))
	if len(body) < 20+nameLen+4 {
		return Record{}, errors.Wrap(io.ErrUnexpectedEOF, "name overruns record")
	}
	rec.Name = string(body[20 : 20+nameLen])
	payloadAt := 20 + nameLen
	payloadLen := int(binary.LittleEndian.Uint32(body[payloadAt:]))
	if len(body) < payloadAt+4+payloadLen {
		return Record{}, errors.Wrap(io.ErrUnexpectedEOF, "payload overruns record")
	}
	rec.Payload = append([]byte(nil), body[payloadAt+4:payloadAt+4+payloadLen]...)
	return rec, nil
}

package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/kirillkom/askrag/internal/core/domain"
)

const (
	vectorsFile  = "vectors.bin"
	chunkMapFile = "chunkmap.json"
	fileMagic    = "ARVX"
	fileVersion  = uint16(1)
	headerSize   = 4 + 2 + 1 + 4 + 8
)

type chunkMapRecord struct {
	VectorID   int64  `json:"vector_id"`
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
}

type chunkMap struct {
	Version  int              `json:"version"`
	Metric   Metric           `json:"metric"`
	NextID   int64            `json:"next_id"`
	Checksum uint32           `json:"vectors_crc32"`
	Entries  []chunkMapRecord `json:"entries"`
}

// Persist writes live entries to the index directory. Each file is replaced
// atomically; a torn pair is caught by Load through the shared checksum.
func (x *Index) Persist(ctx context.Context) error {
	if x.dir == "" {
		return nil
	}
	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	x.writeMu.Lock()
	cur := x.snap.Load()
	nextID := x.nextID
	x.writeMu.Unlock()

	live := make([]*entry, 0, len(cur.entries))
	for i := range cur.entries {
		if _, dead := cur.tombstones[cur.entries[i].id]; !dead {
			live = append(live, &cur.entries[i])
		}
	}

	var buf bytes.Buffer
	buf.WriteString(fileMagic)
	_ = binary.Write(&buf, binary.LittleEndian, fileVersion)
	buf.WriteByte(metricCode(x.metric))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(cur.dim))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(live)))

	records := make([]chunkMapRecord, 0, len(live))
	for i, e := range live {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		_ = binary.Write(&buf, binary.LittleEndian, e.id)
		for _, f := range e.vector {
			_ = binary.Write(&buf, binary.LittleEndian, math.Float32bits(f))
		}
		records = append(records, chunkMapRecord{VectorID: e.id, ChunkID: e.chunkID, DocumentID: e.documentID})
	}
	checksum := crc32.ChecksumIEEE(buf.Bytes())
	_ = binary.Write(&buf, binary.LittleEndian, checksum)

	mapBytes, err := json.Marshal(chunkMap{
		Version:  int(fileVersion),
		Metric:   x.metric,
		NextID:   nextID,
		Checksum: checksum,
		Entries:  records,
	})
	if err != nil {
		return fmt.Errorf("marshal chunk map: %w", err)
	}

	if err := writeAtomic(filepath.Join(x.dir, vectorsFile), buf.Bytes()); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(x.dir, chunkMapFile), mapBytes)
}

// Load replaces the in-memory state with the persisted one. Missing files
// yield an error matching fs.ErrNotExist; any inconsistency yields
// domain.ErrIndexCorruption and leaves the current state untouched.
func (x *Index) Load(ctx context.Context) error {
	if x.dir == "" {
		return fmt.Errorf("index directory is not configured: %w", os.ErrNotExist)
	}
	rawVectors, err := os.ReadFile(filepath.Join(x.dir, vectorsFile))
	if err != nil {
		return fmt.Errorf("read vectors: %w", err)
	}
	rawMap, err := os.ReadFile(filepath.Join(x.dir, chunkMapFile))
	if err != nil {
		return fmt.Errorf("read chunk map: %w", err)
	}

	entries, dim, checksum, err := x.decodeVectors(ctx, rawVectors)
	if err != nil {
		return domain.WrapError(domain.ErrIndexCorruption, "index.load", err)
	}
	var cm chunkMap
	if err := json.Unmarshal(rawMap, &cm); err != nil {
		return domain.WrapError(domain.ErrIndexCorruption, "index.load", fmt.Errorf("decode chunk map: %w", err))
	}
	if err := validateChunkMap(cm, x.metric, checksum, entries); err != nil {
		return domain.WrapError(domain.ErrIndexCorruption, "index.load", err)
	}

	byChunk := make(map[string]int64, len(entries))
	maxID := int64(0)
	for i := range entries {
		entries[i].chunkID = cm.Entries[i].ChunkID
		entries[i].documentID = cm.Entries[i].DocumentID
		if _, dup := byChunk[entries[i].chunkID]; dup {
			return domain.WrapError(domain.ErrIndexCorruption, "index.load",
				fmt.Errorf("chunk %s mapped twice", entries[i].chunkID))
		}
		byChunk[entries[i].chunkID] = entries[i].id
		maxID = max(maxID, entries[i].id)
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.byChunk = byChunk
	x.nextID = max(cm.NextID, maxID+1)
	x.snap.Store(&snapshot{entries: entries, tombstones: map[int64]struct{}{}, dim: dim})
	return nil
}

func (x *Index) decodeVectors(ctx context.Context, raw []byte) ([]entry, int, uint32, error) {
	if len(raw) < headerSize+4 {
		return nil, 0, 0, errors.New("vectors file is truncated")
	}
	body, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	checksum := binary.LittleEndian.Uint32(trailer)
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, 0, 0, errors.New("vectors checksum mismatch")
	}

	r := bufio.NewReader(bytes.NewReader(body))
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != fileMagic {
		return nil, 0, 0, errors.New("bad vectors file magic")
	}
	var (
		version uint16
		metric  byte
		dim     uint32
		count   uint64
	)
	_ = binary.Read(r, binary.LittleEndian, &version)
	metric, _ = r.ReadByte()
	_ = binary.Read(r, binary.LittleEndian, &dim)
	_ = binary.Read(r, binary.LittleEndian, &count)
	if version != fileVersion {
		return nil, 0, 0, fmt.Errorf("unsupported vectors file version %d", version)
	}
	if metric != metricCode(x.metric) {
		return nil, 0, 0, fmt.Errorf("vectors file metric %d does not match index metric %s", metric, x.metric)
	}
	recordSize := uint64(8 + 4*dim)
	if uint64(len(body)-headerSize) != count*recordSize {
		return nil, 0, 0, fmt.Errorf("vectors file holds %d bytes for %d records", len(body)-headerSize, count)
	}

	entries := make([]entry, count)
	for i := range entries {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, 0, err
			}
		}
		_ = binary.Read(r, binary.LittleEndian, &entries[i].id)
		vector := make([]float32, dim)
		for j := range vector {
			var bits uint32
			_ = binary.Read(r, binary.LittleEndian, &bits)
			vector[j] = math.Float32frombits(bits)
		}
		entries[i].vector = vector
	}
	return entries, int(dim), checksum, nil
}

func validateChunkMap(cm chunkMap, metric Metric, checksum uint32, entries []entry) error {
	if cm.Version != int(fileVersion) {
		return fmt.Errorf("unsupported chunk map version %d", cm.Version)
	}
	if cm.Metric != metric {
		return fmt.Errorf("chunk map metric %s does not match index metric %s", cm.Metric, metric)
	}
	if cm.Checksum != checksum {
		return errors.New("chunk map belongs to another vectors file")
	}
	if len(cm.Entries) != len(entries) {
		return fmt.Errorf("chunk map has %d entries, vectors file has %d", len(cm.Entries), len(entries))
	}
	for i := range entries {
		if cm.Entries[i].VectorID != entries[i].id {
			return fmt.Errorf("entry %d: vector id %d does not match chunk map id %d", i, entries[i].id, cm.Entries[i].VectorID)
		}
		if cm.Entries[i].ChunkID == "" {
			return fmt.Errorf("entry %d has no chunk id", i)
		}
	}
	return nil
}

func metricCode(m Metric) byte {
	if m == MetricL2 {
		return 1
	}
	return 0
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

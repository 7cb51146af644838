package vectorindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"

	"campus-assistant/internal/logger"

	"go.etcd.io/bbolt"
)

const (
	vectorsFile = "vectors.bin"
	metaFile    = "meta.db"

	// vectors.bin header:
	//   0..7   magic "CAVEC001"
	//   8..11  dim (uint32)
	//   12..19 count (uint64)
	headerSize = 20
)

var (
	fileMagic = [8]byte{'C', 'A', 'V', 'E', 'C', '0', '0', '1'}

	bucketChunks = []byte("chunks")
	bucketInfo   = []byte("info")
	keyCount     = []byte("count")
	keyDim       = []byte("dim")

	errCorrupt = errors.New("vectorindex: corrupt index")
)

// boltTimeout bounds the wait for the metadata file lock held by another
// process or tool.
var boltTimeout = 5 * time.Second

func boltOptions(readOnly bool) *bbolt.Options {
	return &bbolt.Options{Timeout: boltTimeout, ReadOnly: readOnly}
}

// needsInit reports whether a load error means the persisted index is
// absent or unusable, as opposed to temporarily unreadable.
func needsInit(err error) bool {
	return errors.Is(err, errCorrupt) || errors.Is(err, fs.ErrNotExist)
}

func positionKey(i int) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(i))
	return k[:]
}

func putUint64(b *bbolt.Bucket, key []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return b.Put(key, buf[:])
}

func getUint64(b *bbolt.Bucket, key []byte) (uint64, bool) {
	v := b.Get(key)
	if len(v) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

// readInfo returns the entry count recorded in the metadata table.
func readInfo(dir string) (count int, dim int, err error) {
	path := filepath.Join(dir, metaFile)
	if _, err := os.Stat(path); err != nil {
		return 0, 0, err
	}
	db, err := bbolt.Open(path, 0o600, boltOptions(true))
	if err != nil {
		return 0, 0, err
	}
	defer db.Close()

	err = db.View(func(tx *bbolt.Tx) error {
		info := tx.Bucket(bucketInfo)
		if info == nil {
			return errCorrupt
		}
		c, ok1 := getUint64(info, keyCount)
		d, ok2 := getUint64(info, keyDim)
		if !ok1 || !ok2 {
			return errCorrupt
		}
		count, dim = int(c), int(d)
		return nil
	})
	return count, dim, err
}

// load reads both artifacts. The metadata rows and the vector file are
// append-only, so when their counts differ the common prefix is the last
// consistent state and is what gets loaded. Anything else that does not line
// up is errCorrupt.
func load(dir string) ([]Entry, int, error) {
	count, dim, err := readInfo(dir)
	if err != nil {
		return nil, 0, err
	}
	if count == 0 {
		return nil, 0, fmt.Errorf("%w: no entries", errCorrupt)
	}

	vectors, err := readVectors(filepath.Join(dir, vectorsFile), count, dim)
	if err != nil {
		return nil, 0, err
	}
	if len(vectors) == 0 {
		return nil, 0, fmt.Errorf("%w: no vectors", errCorrupt)
	}
	if len(vectors) < count {
		logger.Warn("Vector index files out of step, loading common prefix",
			"dir", dir, "metadata", count, "vectors", len(vectors))
		count = len(vectors)
	}

	db, err := bbolt.Open(filepath.Join(dir, metaFile), 0o600, boltOptions(true))
	if err != nil {
		return nil, 0, err
	}
	defer db.Close()

	entries := make([]Entry, count)
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		if b == nil {
			return fmt.Errorf("%w: missing chunks bucket", errCorrupt)
		}
		for i := 0; i < count; i++ {
			raw := b.Get(positionKey(i))
			if raw == nil {
				return fmt.Errorf("%w: missing chunk %d", errCorrupt, i)
			}
			if err := json.Unmarshal(raw, &entries[i].Chunk); err != nil {
				return fmt.Errorf("%w: chunk %d: %v", errCorrupt, i, err)
			}
			entries[i].Vector = vectors[i]
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, dim, nil
}

// readVectors returns at most maxCount vectors. A file holding more than
// maxCount is fine; so is one holding fewer, as long as every vector its
// header announces is present.
func readVectors(path string, maxCount, wantDim int) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", errCorrupt, err)
	}
	var magic [8]byte
	copy(magic[:], header[:8])
	if magic != fileMagic {
		return nil, fmt.Errorf("%w: magic mismatch", errCorrupt)
	}
	dim := int(binary.LittleEndian.Uint32(header[8:12]))
	count := int(binary.LittleEndian.Uint64(header[12:20]))
	if dim != wantDim {
		return nil, fmt.Errorf("%w: vectors dim %d, metadata dim %d", errCorrupt, dim, wantDim)
	}
	if count > maxCount {
		count = maxCount
	}

	out := make([][]float32, count)
	buf := make([]byte, 4*dim)
	for i := range out {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: vector %d: %v", errCorrupt, i, err)
		}
		v := make([]float32, dim)
		for j := range v {
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		out[i] = v
	}
	return out, nil
}

// persist writes the metadata rows from position `from` onward and a full
// vectors.bin. from == 0 rebuilds the metadata table. The new vector file is
// staged first and renamed into place only after the metadata commit, so a
// failed metadata update leaves both artifacts as they were.
func persist(dir string, entries []Entry, dim int, from int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, vectorsFile)
	tmp := path + ".tmp"
	if err := writeVectors(tmp, entries, dim); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write vectors: %w", err)
	}

	if err := writeMeta(dir, entries, dim, from); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit vectors: %w", err)
	}
	return nil
}

func writeMeta(dir string, entries []Entry, dim int, from int) error {
	db, err := bbolt.Open(filepath.Join(dir, metaFile), 0o600, boltOptions(false))
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		if from == 0 {
			for _, name := range [][]byte{bucketChunks, bucketInfo} {
				if tx.Bucket(name) != nil {
					if err := tx.DeleteBucket(name); err != nil {
						return err
					}
				}
			}
		}
		chunks, err := tx.CreateBucketIfNotExists(bucketChunks)
		if err != nil {
			return err
		}
		info, err := tx.CreateBucketIfNotExists(bucketInfo)
		if err != nil {
			return err
		}
		for i := from; i < len(entries); i++ {
			raw, err := json.Marshal(entries[i].Chunk)
			if err != nil {
				return err
			}
			if err := chunks.Put(positionKey(i), raw); err != nil {
				return err
			}
		}
		if err := putUint64(info, keyDim, uint64(dim)); err != nil {
			return err
		}
		return putUint64(info, keyCount, uint64(len(entries)))
	})
}

// writeVectors writes and syncs a complete vector file at path.
func writeVectors(path string, entries []Entry, dim int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	var header [headerSize]byte
	copy(header[:8], fileMagic[:])
	binary.LittleEndian.PutUint32(header[8:12], uint32(dim))
	binary.LittleEndian.PutUint64(header[12:20], uint64(len(entries)))
	if _, err := w.Write(header[:]); err != nil {
		f.Close()
		return err
	}

	buf := make([]byte, 4*dim)
	for i, e := range entries {
		if len(e.Vector) != dim {
			f.Close()
			return fmt.Errorf("entry %d has dimension %d, index has %d", i, len(e.Vector), dim)
		}
		for j, x := range e.Vector {
			binary.LittleEndian.PutUint32(buf[4*j:], math.Float32bits(x))
		}
		if _, err := w.Write(buf); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

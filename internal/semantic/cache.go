package semantic

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/mitchellh/hashstructure/v2"
)

// cache file layout: magic, embedder fingerprint, dim, row count,
// then length-prefixed (key, text, vector) rows. Any fingerprint or
// dimension mismatch invalidates the whole file and the index gets
// rebuilt from announcement text.
var cacheMagic = [8]byte{'A', 'T', 'M', 'E', 'M', 'B', '0', '1'}

type cacheIdentity struct {
	Embedder string
	Dim      int
}

func embedderFingerprint(emb Embedder) (uint64, error) {
	return hashstructure.Hash(cacheIdentity{Embedder: emb.ID(), Dim: emb.Dim()}, hashstructure.FormatV2, nil)
}

// SaveCache writes the index rows to path atomically.
func SaveCache(path string, emb Embedder, rows []Row) error {
	fp, err := embedderFingerprint(emb)
	if err != nil {
		return fmt.Errorf("fingerprint embedder: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	w := bufio.NewWriter(f)

	writeErr := func() error {
		if _, err := w.Write(cacheMagic[:]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, fp); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(emb.Dim())); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(rows))); err != nil {
			return err
		}
		for _, r := range rows {
			if err := writeBytes(w, []byte(r.Key)); err != nil {
				return err
			}
			if err := writeBytes(w, []byte(r.Text)); err != nil {
				return err
			}
			for _, v := range r.Vec {
				if err := binary.Write(w, binary.LittleEndian, math.Float32bits(v)); err != nil {
					return err
				}
			}
		}
		return w.Flush()
	}()
	if writeErr != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write cache: %w", writeErr)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close cache: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCache reads rows saved by SaveCache. A missing file returns
// (nil, nil); a stale or corrupt one returns an error so the caller
// can rebuild.
func LoadCache(path string, emb Embedder) ([]Row, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("cache header: %w", err)
	}
	if magic != cacheMagic {
		return nil, fmt.Errorf("cache %s: bad magic", path)
	}
	var fp uint64
	if err := binary.Read(r, binary.LittleEndian, &fp); err != nil {
		return nil, fmt.Errorf("cache fingerprint: %w", err)
	}
	want, err := embedderFingerprint(emb)
	if err != nil {
		return nil, err
	}
	if fp != want {
		return nil, fmt.Errorf("cache %s: embedder changed, rebuild required", path)
	}
	var dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, fmt.Errorf("cache dim: %w", err)
	}
	if int(dim) != emb.Dim() {
		return nil, fmt.Errorf("cache %s: dim %d, want %d", path, dim, emb.Dim())
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("cache count: %w", err)
	}
	rows := make([]Row, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("cache row %d key: %w", i, err)
		}
		text, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("cache row %d text: %w", i, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return nil, fmt.Errorf("cache row %d vec: %w", i, err)
			}
			vec[j] = math.Float32frombits(bits)
		}
		rows = append(rows, Row{Key: string(key), Text: string(text), Vec: vec})
	}
	return rows, nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > 1<<20 {
		return nil, fmt.Errorf("field length %d exceeds sanity bound", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"urbanflow.ai/internal/sim/world"
)

// Read decodes every entry of stream s below runDir into T, oldest file
// first, and stops at the first error fn returns.
func Read[T any](runDir string, s Stream, fn func(T) error) error {
	files, err := s.Files(runDir)
	if err != nil {
		return err
	}
	for _, p := range files {
		if err := readLines(p, func(line []byte) error {
			var v T
			if err := json.Unmarshal(line, &v); err != nil {
				return err
			}
			return fn(v)
		}); err != nil {
			return err
		}
	}
	return nil
}

func ReadTicks(runDir string, fn func(world.TickLogEntry) error) error {
	return Read(runDir, Ticks, fn)
}

func ReadEpisodes(runDir string, fn func(world.EpisodeResult) error) error {
	return Read(runDir, Episodes, fn)
}

// readLines calls fn for every non-empty line of one file. A file appended
// to by several writers holds several zstd frames, decoded as one stream.
func readLines(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for n := 1; sc.Scan(); n++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), n, err)
		}
	}
	return sc.Err()
}

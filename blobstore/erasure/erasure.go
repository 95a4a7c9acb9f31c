// Package erasure wraps Reed-Solomon erasure coding for replicating a store
// path's archived contents across several mirrored store folders, so that
// losing any one folder (up to the configured parity count) does not lose
// the blob.
package erasure

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// MetaDataSize is the per-shard metadata prefix size: 1 padding-count byte
// plus a 16-byte md5 checksum.
const MetaDataSize = 17

// Coder erasure-encodes and decodes one byte blob into dataShards+parityShards
// equally sized shards.
type Coder struct {
	DataShards   int
	ParityShards int
	enc          reedsolomon.Encoder
}

// New builds a Coder for the given shard counts.
func New(dataShards, parityShards int) (*Coder, error) {
	if dataShards+parityShards > 256 {
		return nil, fmt.Errorf("erasure: sum of data and parity shards cannot exceed 256")
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Coder{DataShards: dataShards, ParityShards: parityShards, enc: enc}, nil
}

// Encode splits data into shards and computes their parity.
func (c *Coder) Encode(data []byte) ([][]byte, error) {
	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// ShardMetadata returns the metadata prefix for shards[index]: a padding
// count (how many zero bytes the last shard was stuffed with to reach an
// equal shard size) plus an md5 checksum of the shard, used to detect
// corruption that Verify alone would miss (e.g. silent bitrot).
func (c *Coder) ShardMetadata(dataSize int, shards [][]byte, index int) []byte {
	checksum := md5.Sum(shards[index])
	meta := make([]byte, 1+len(checksum))
	if dataSize%c.DataShards != 0 {
		meta[0] = byte(c.DataShards - dataSize%c.DataShards)
	}
	copy(meta[1:], checksum[:])
	return meta
}

// DecodeResult is the outcome of Decode.
type DecodeResult struct {
	Data []byte
	// Reconstructed lists the shard indices that were missing or corrupted
	// and had to be rebuilt from parity.
	Reconstructed []int
	Err           error
}

// Decode reverses Encode. shards with a nil entry are treated as missing;
// shardsMeta is used to detect shards that decoded but are silently
// corrupted (failed their checksum) when a plain Verify still passes.
func (c *Coder) Decode(shards [][]byte, shardsMeta [][]byte) *DecodeResult {
	if len(shards) == 0 {
		return &DecodeResult{Err: fmt.Errorf("erasure: no shards given")}
	}

	result := &DecodeResult{}
	ok, _ := c.enc.Verify(shards)
	if !ok {
		result = c.reconstructMissing(shards)
		if result.Err != nil {
			return result
		}
		ok, _ = c.enc.Verify(shards)
		if !ok {
			result = c.reconstructCorrupted(shards, shardsMeta)
			if result.Err != nil {
				return result
			}
		}
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := c.enc.Join(w, shards, len(shards[0])*c.DataShards); err != nil {
		return &DecodeResult{Err: fmt.Errorf("erasure: join failed: %w", err)}
	}
	w.Flush()

	// Every shard's metadata carries the same padding count; take it from the
	// first shard whose metadata was read, since shard 0 may be the lost one.
	padding := 0
	for _, meta := range shardsMeta {
		if len(meta) > 0 {
			padding = int(meta[0])
			break
		}
	}
	data := make([]byte, buf.Len()-padding)
	copy(data, buf.Bytes())
	result.Data = data
	return result
}

func (c *Coder) reconstructMissing(shards [][]byte) *DecodeResult {
	result := &DecodeResult{}
	missing := make([]bool, len(shards))
	for i, s := range shards {
		if s == nil {
			result.Reconstructed = append(result.Reconstructed, i)
			missing[i] = true
		}
	}
	if err := c.enc.ReconstructSome(shards, missing); err != nil {
		result.Err = err
	}
	return result
}

func (c *Coder) reconstructCorrupted(shards [][]byte, shardsMeta [][]byte) *DecodeResult {
	var corrupted []int
	for i := range shards {
		want := shardsMeta[i][1:]
		got := md5.Sum(shards[i])
		if string(want) != string(got[:]) {
			corrupted = append(corrupted, i)
			shards[i] = nil
		}
	}
	if len(corrupted) == 0 {
		return &DecodeResult{Err: fmt.Errorf("erasure: shards pass checksum but verify still fails")}
	}
	if err := c.enc.Reconstruct(shards); err != nil {
		return &DecodeResult{Err: err}
	}
	ok, err := c.enc.Verify(shards)
	if !ok {
		return &DecodeResult{Err: err}
	}
	return &DecodeResult{Reconstructed: corrupted}
}

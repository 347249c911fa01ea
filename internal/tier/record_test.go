package tier

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiersearch/model"
)

func TestCompressBlockRoundTrip(t *testing.T) {
	compressible := []byte(strings.Repeat("all work and no play ", 200))
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			block, err := compressBlock(compressible, c)
			require.NoError(t, err)
			if c != CompressionNone {
				assert.Less(t, len(block), len(compressible))
			}
			out, err := decompressBlock(block, c)
			require.NoError(t, err)
			assert.Equal(t, compressible, out)
		})
	}
}

func TestCompressBlockStoresIncompressibleRaw(t *testing.T) {
	data := []byte("xq")
	block, err := compressBlock(data, CompressionZSTD)
	require.NoError(t, err)
	assert.Len(t, block, blockHeaderSize+len(data))
	out, err := decompressBlock(block, CompressionZSTD)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestContentRecordRoundTrip(t *testing.T) {
	c := &model.StoredContent{
		ContentDoc: model.ContentDoc{
			Key:      model.NewDocKey(3, 99),
			Kind:     model.DocLog,
			Analyzer: model.AnalyzerLog,
			Text:     strings.Repeat("2024-01-01 INFO request served\n", 50),
			Modified: time.Unix(1_700_000_000, 123).UTC(),
			Size:     4096,
			Volume:   3,
		},
		CommitStamp: 77,
	}
	for _, comp := range []Compression{CompressionLZ4, CompressionZSTD} {
		data, err := EncodeContent(c, comp)
		require.NoError(t, err)
		got, err := DecodeContent(data)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	m := &model.StoredMeta{FileMeta: model.FileMeta{Key: 1, Name: "a.txt", Modified: time.Now().UTC()}}
	data := EncodeMeta(m)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xFF
	_, err := DecodeMeta(flipped)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = DecodeMeta(data[:4])
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = DecodeContent(data)
	assert.ErrorIs(t, err, ErrCorrupt)

	got, err := DecodeMeta(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestZeroTimesRoundTrip(t *testing.T) {
	m := &model.StoredMeta{FileMeta: model.FileMeta{Key: 1}}
	got, err := DecodeMeta(EncodeMeta(m))
	require.NoError(t, err)
	assert.True(t, got.Modified.IsZero())
	assert.True(t, got.Created.IsZero())
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCompression("brotli")
	assert.Error(t, err)
}

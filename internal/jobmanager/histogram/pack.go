package histogram

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz/lzma"
)

const (
	packVersion uint8 = 1
	// y, yErrPlus, yErrMinus, x, xErrPlus, xErrMinus
	packedArrays = 6
	float64Size  = 8
)

// Options select the optional wrappers around the packed bytes. Readers must be given the same options the writer
// used: packed data carries no marker saying which wrappers were applied.
type Options struct {
	// Compress wraps the packed bytes in an LZMA stream.
	Compress bool
	// Encode base64 encodes the (possibly compressed) bytes.
	Encode bool
}

type packedMeta struct {
	Bins uint32            `json:"bins"`
	Name string            `json:"name"`
	Meta map[string]string `json:"meta"`
}

// Pack serialises c as
//
//	u8 version, u32 count
//	per histogram: u8 version, u32 numpy_len, u32 meta_len, numpy_len bytes of float64 arrays, meta_len bytes of meta
//
// with all numbers little-endian, then applies the wrappers selected by opts.
func Pack(c *Collection, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(packVersion)
	writeUint32(&buf, uint32(c.Len()))
	for _, h := range c.histograms {
		if err := packHistogram(&buf, h); err != nil {
			return nil, err
		}
	}
	return wrap(buf.Bytes(), opts)
}

func packHistogram(buf *bytes.Buffer, h *Histogram) error {
	bins := h.Bins()
	for _, arr := range h.Arrays() {
		if len(arr) != bins {
			return errors.Errorf("histogram %s: array length %d does not match %d bins", h.Name, len(arr), bins)
		}
	}
	meta := h.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	metaBytes, err := json.Marshal(packedMeta{Bins: uint32(bins), Name: h.Name, Meta: meta})
	if err != nil {
		return errors.WithStack(err)
	}

	buf.WriteByte(packVersion)
	writeUint32(buf, uint32(packedArrays*bins*float64Size))
	writeUint32(buf, uint32(len(metaBytes)))
	var word [float64Size]byte
	for _, arr := range h.Arrays() {
		for _, v := range arr {
			binary.LittleEndian.PutUint64(word[:], math.Float64bits(v))
			buf.Write(word[:])
		}
	}
	buf.Write(metaBytes)
	return nil
}

// Unpack reverses Pack. opts must match the options data was packed with.
func Unpack(data []byte, opts Options) (*Collection, error) {
	raw, err := unwrap(data, opts)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(raw)
	version, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "reading collection header")
	}
	if version != packVersion {
		return nil, errors.Errorf("unsupported collection version %d", version)
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading collection header")
	}
	c := NewCollection()
	for i := uint32(0); i < count; i++ {
		h, err := unpackHistogram(r)
		if err != nil {
			return nil, errors.Wrapf(err, "histogram %d", i)
		}
		c.Add(h)
	}
	if r.Len() != 0 {
		return nil, errors.Errorf("%d trailing bytes after %d histograms", r.Len(), count)
	}
	return c, nil
}

func unpackHistogram(r *bytes.Reader) (*Histogram, error) {
	version, err := r.ReadByte()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if version != packVersion {
		return nil, errors.Errorf("unsupported histogram version %d", version)
	}
	numpyLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	metaLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int64(numpyLen)+int64(metaLen) > int64(r.Len()) {
		return nil, errors.Errorf("declared %d+%d bytes but only %d remain", numpyLen, metaLen, r.Len())
	}
	if numpyLen%(packedArrays*float64Size) != 0 {
		return nil, errors.Errorf("numpy length %d is not a multiple of %d", numpyLen, packedArrays*float64Size)
	}
	numpy := make([]byte, numpyLen)
	if _, err := io.ReadFull(r, numpy); err != nil {
		return nil, errors.WithStack(err)
	}
	metaBytes := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBytes); err != nil {
		return nil, errors.WithStack(err)
	}
	var meta packedMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, errors.Wrap(err, "decoding histogram meta")
	}
	bins := int(numpyLen) / (packedArrays * float64Size)
	if int(meta.Bins) != bins {
		return nil, errors.Errorf("histogram %s: meta declares %d bins, arrays hold %d", meta.Name, meta.Bins, bins)
	}

	h := NewHistogram(meta.Name, bins)
	if meta.Meta != nil {
		h.Meta = meta.Meta
	}
	offset := 0
	for _, arr := range h.Arrays() {
		for b := range arr {
			arr[b] = math.Float64frombits(binary.LittleEndian.Uint64(numpy[offset : offset+float64Size]))
			offset += float64Size
		}
	}
	return h, nil
}

func wrap(raw []byte, opts Options) ([]byte, error) {
	out := raw
	if opts.Compress {
		var buf bytes.Buffer
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if _, err := w.Write(out); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.WithStack(err)
		}
		out = buf.Bytes()
	}
	if opts.Encode {
		encoded := make([]byte, base64.StdEncoding.EncodedLen(len(out)))
		base64.StdEncoding.Encode(encoded, out)
		out = encoded
	}
	return out, nil
}

func unwrap(data []byte, opts Options) ([]byte, error) {
	out := data
	if opts.Encode {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(out)))
		n, err := base64.StdEncoding.Decode(decoded, out)
		if err != nil {
			return nil, errors.Wrap(err, "decoding base64")
		}
		out = decoded[:n]
	}
	if opts.Compress {
		r, err := lzma.NewReader(bytes.NewReader(out))
		if err != nil {
			return nil, errors.Wrap(err, "opening lzma stream")
		}
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "decompressing lzma stream")
		}
		out = decompressed
	}
	return out, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], v)
	buf.Write(word[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var word [4]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		return 0, errors.WithStack(err)
	}
	return binary.LittleEndian.Uint32(word[:]), nil
}

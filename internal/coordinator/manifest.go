package coordinator

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/hamba/avro/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/keithlinneman/openbmclapi-cluster/internal/log"
	"github.com/keithlinneman/openbmclapi-cluster/internal/store"
	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

// ErrManifestDecode is returned when a manifest payload cannot be
// decompressed or yields no records at all.
var ErrManifestDecode = errors.New("coordinator: manifest decode failed")

// Entry is one file the node must be able to serve.
type Entry struct {
	Path string `avro:"path"`
	Hash string `avro:"hash"`
	Size int64  `avro:"size"`
}

const entrySchemaJSON = `{
	"type": "record",
	"name": "file",
	"fields": [
		{"name": "path", "type": "string"},
		{"name": "hash", "type": "string"},
		{"name": "size", "type": "long"}
	]
}`

var entrySchema = avro.MustParse(entrySchemaJSON)

// 64 KiB read buffer for the avro reader
const avroBufSize = 64 << 10

func (e Entry) validate() error {
	switch {
	case e.Path == "" || !strings.HasPrefix(e.Path, "/"):
		return xerrors.Newf("path %q is not absolute", e.Path)
	case !store.ValidHash(e.Hash):
		return xerrors.Newf("hash %q is not hex", e.Hash)
	case e.Size < 0:
		return xerrors.Newf("negative size %d", e.Size)
	}
	return nil
}

// DecodeManifest reads a zstd-compressed avro array of file records.
//
// Records are decoded one at a time. A record that decodes but does not
// describe a usable file is skipped with a warning, as is a repeated path.
// If the stream breaks partway, the records read so far are returned; only
// a stream that yields nothing at all is an error.
func DecodeManifest(r io.Reader, logger log.Logger) ([]Entry, error) {
	if logger == nil {
		logger = log.Nop()
	}
	ctx := context.Background()

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, xerrors.Wrapf(ErrManifestDecode, "open zstd stream: %v", err)
	}
	defer zr.Close()

	ar := avro.NewReader(zr, avroBufSize)
	var (
		entries []Entry
		seen    = make(map[string]struct{})
		skipped int
	)

blocks:
	for {
		count, _ := ar.ReadBlockHeader()
		if ar.Error != nil || count == 0 {
			break
		}
		for i := int64(0); i < count; i++ {
			var e Entry
			ar.ReadVal(entrySchema, &e)
			if ar.Error != nil {
				break blocks
			}
			if err := e.validate(); err != nil {
				skipped++
				logger.Warn(ctx, "skipping malformed manifest record", "index", len(entries)+skipped-1, "reason", err.Error())
				continue
			}
			if _, dup := seen[e.Path]; dup {
				skipped++
				logger.Warn(ctx, "skipping duplicate manifest path", "path", e.Path)
				continue
			}
			seen[e.Path] = struct{}{}
			entries = append(entries, e)
		}
	}

	if ar.Error != nil {
		if len(entries) == 0 && skipped == 0 {
			return nil, xerrors.Wrapf(ErrManifestDecode, "read records: %v", ar.Error)
		}
		logger.Warn(ctx, "manifest stream ended early, keeping partial manifest",
			"entries", len(entries),
			"error", ar.Error.Error(),
		)
	}
	return entries, nil
}

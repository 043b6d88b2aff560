package playback

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/minio/minio-go/v7"
)

// ObjectFetcher is the slice of the object store client the proxy needs.
type ObjectFetcher interface {
	GetStream(ctx context.Context, key string) (io.ReadCloser, int64, string, error)
	Stat(ctx context.Context, key string) (minio.ObjectInfo, error)
	GetRange(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
}

// Request is one HLS proxy fetch, already split into the output prefix and
// the file below it ("master.m3u8", "360p/playlist.m3u8",
// "360p/segment000.ts").
type Request struct {
	JobID        string
	OutputPrefix string
	File         string
	Range        string
}

type Response struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength *int64
	ContentRange  string
	ETag          string
}

// Handle serves one proxy request from the private bucket. Playlists are
// rewritten so every URI the player follows comes back through apiBaseURL;
// segments are streamed through untouched.
func Handle(ctx context.Context, store ObjectFetcher, apiBaseURL string, req Request) (*Response, error) {
	switch {
	case req.File == "master.m3u8":
		return rewriteMaster(ctx, store, apiBaseURL, req)
	case path.Base(req.File) == "playlist.m3u8":
		return rewriteVariant(ctx, store, apiBaseURL, req)
	default:
		return fetchSegment(ctx, store, req)
	}
}

// rewriteMaster turns each relative variant URI `{tag}/index.m3u8` into
// `{base}/hls/{prefix}/{tag}/playlist.m3u8`. URIs that are already absolute
// are left alone, so rewriting is idempotent.
func rewriteMaster(ctx context.Context, store ObjectFetcher, apiBaseURL string, req Request) (*Response, error) {
	key := path.Join(req.OutputPrefix, "master.m3u8")
	body, _, _, err := store.GetStream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	p, listType, err := m3u8.DecodeFrom(body, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read master playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, fmt.Errorf("object %q is not a master playlist", key)
	}

	masterPl := p.(*m3u8.MasterPlaylist)
	for _, variant := range masterPl.Variants {
		if variant == nil {
			break
		}
		if isAbsolute(variant.URI) {
			continue
		}
		tag := path.Dir(variant.URI)
		variant.URI = proxyURL(apiBaseURL, req.OutputPrefix, tag, "playlist.m3u8")
	}

	return playlistResponse(masterPl.Encode()), nil
}

// rewriteVariant serves `{prefix}/{tag}/index.m3u8` as playlist.m3u8 with
// every bare segment URI made absolute. All #EXT tags survive the re-encode.
func rewriteVariant(ctx context.Context, store ObjectFetcher, apiBaseURL string, req Request) (*Response, error) {
	tag := path.Dir(req.File)
	key := path.Join(req.OutputPrefix, tag, "index.m3u8")
	body, _, _, err := store.GetStream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	p, listType, err := m3u8.DecodeFrom(body, true)
	if err != nil {
		return nil, fmt.Errorf("failed to read variant playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("object %q is not a media playlist", key)
	}

	mediaPl := p.(*m3u8.MediaPlaylist)
	for _, segment := range mediaPl.Segments {
		if segment == nil {
			break
		}
		if isAbsolute(segment.URI) {
			continue
		}
		segment.URI = proxyURL(apiBaseURL, req.OutputPrefix, tag, segment.URI)
	}

	return playlistResponse(mediaPl.Encode()), nil
}

// fetchSegment streams the object body straight through without buffering:
// a HEAD for size and validators, then a (possibly ranged) streaming read.
// Byte ranges from the player are forwarded to the object store.
func fetchSegment(ctx context.Context, store ObjectFetcher, req Request) (*Response, error) {
	key := path.Join(req.OutputPrefix, req.File)
	stat, err := store.Stat(ctx, key)
	if err != nil {
		return nil, err
	}

	start, end, err := parseByteRange(req.Range, stat.Size)
	if err != nil {
		return nil, err
	}

	body, err := store.GetRange(ctx, key, start, end)
	if err != nil {
		return nil, err
	}

	res := &Response{
		Body:        body,
		ContentType: "video/MP2T",
		ETag:        stat.ETag,
	}
	if start >= 0 {
		length := end - start + 1
		res.ContentLength = &length
		res.ContentRange = fmt.Sprintf("bytes %d-%d/%d", start, end, stat.Size)
	} else {
		size := stat.Size
		res.ContentLength = &size
	}
	return res, nil
}

// parseByteRange handles the single-range forms "bytes=a-b", "bytes=a-" and
// "bytes=-n". Returns start = -1 when no range was requested.
func parseByteRange(byteRange string, size int64) (start, end int64, err error) {
	if byteRange == "" {
		return -1, -1, nil
	}
	spec := strings.TrimPrefix(byteRange, "bytes=")
	if spec == byteRange || strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("unsupported range %q", byteRange)
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed range %q", byteRange)
	}
	if parts[0] == "" {
		// suffix form: last n bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("malformed range %q", byteRange)
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}
	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("malformed range %q", byteRange)
	}
	end = size - 1
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("malformed range %q", byteRange)
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return start, end, nil
}

func playlistResponse(buf fmt.Stringer) *Response {
	body := buf.String()
	size := int64(len(body))
	return &Response{
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentType:   "application/vnd.apple.mpegurl",
		ContentLength: &size,
	}
}

func isAbsolute(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return u.IsAbs() || strings.HasPrefix(uri, "/")
}

func proxyURL(apiBaseURL, prefix, tag, file string) string {
	return fmt.Sprintf("%s/hls/%s", strings.TrimSuffix(apiBaseURL, "/"), path.Join(prefix, tag, file))
}

package playback

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"

	xerrors "github.com/PCThomas7/video-transcoder/errors"
)

const base = "http://localhost:8989/api/upload"

type fakeStore struct {
	objects map[string][]byte
}

func (f *fakeStore) GetStream(_ context.Context, key string) (io.ReadCloser, int64, string, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, 0, "", xerrors.NewObjectNotFoundError(key, nil)
	}
	return io.NopCloser(bytes.NewReader(body)), int64(len(body)), "application/vnd.apple.mpegurl", nil
}

func (f *fakeStore) Stat(_ context.Context, key string) (minio.ObjectInfo, error) {
	body, ok := f.objects[key]
	if !ok {
		return minio.ObjectInfo{}, xerrors.NewObjectNotFoundError(key, nil)
	}
	return minio.ObjectInfo{Key: key, Size: int64(len(body)), ETag: "etag-" + key}, nil
}

func (f *fakeStore) GetRange(_ context.Context, key string, start, end int64) (io.ReadCloser, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, xerrors.NewObjectNotFoundError(key, nil)
	}
	if start < 0 {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return io.NopCloser(bytes.NewReader(body[start : end+1])), nil
}

func TestMasterRewrite(t *testing.T) {
	require := require.New(t)
	store := &fakeStore{objects: map[string][]byte{
		"P/master.m3u8": []byte("#EXTM3U\n#EXT-X-VERSION:3\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=896000,RESOLUTION=640x360\n360p/index.m3u8\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=1528000,RESOLUTION=854x480\n480p/index.m3u8\n"),
	}}

	res, err := Handle(context.Background(), store, base, Request{OutputPrefix: "P", File: "master.m3u8"})
	require.NoError(err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(err)

	require.Equal("application/vnd.apple.mpegurl", res.ContentType)
	require.Contains(string(body), base+"/hls/P/360p/playlist.m3u8")
	require.Contains(string(body), base+"/hls/P/480p/playlist.m3u8")
	require.NotContains(string(body), "360p/index.m3u8")
}

func TestMasterRewriteIsIdempotent(t *testing.T) {
	require := require.New(t)
	store := &fakeStore{objects: map[string][]byte{
		"P/master.m3u8": []byte("#EXTM3U\n#EXT-X-VERSION:3\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=896000,RESOLUTION=640x360\n360p/index.m3u8\n"),
	}}

	res, err := Handle(context.Background(), store, base, Request{OutputPrefix: "P", File: "master.m3u8"})
	require.NoError(err)
	first, _ := io.ReadAll(res.Body)
	res.Body.Close()

	// feed the rewritten playlist back through the rewriter
	store.objects["P/master.m3u8"] = first
	res, err = Handle(context.Background(), store, base, Request{OutputPrefix: "P", File: "master.m3u8"})
	require.NoError(err)
	second, _ := io.ReadAll(res.Body)
	res.Body.Close()

	require.Equal(string(first), string(second))
}

func TestVariantRewrite(t *testing.T) {
	require := require.New(t)
	store := &fakeStore{objects: map[string][]byte{
		"P/360p/index.m3u8": []byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-TARGETDURATION:15\n#EXT-X-PLAYLIST-TYPE:VOD\n" +
			"#EXTINF:15.000,\nsegment000.ts\n#EXTINF:15.000,\nsegment001.ts\n#EXT-X-ENDLIST\n"),
	}}

	res, err := Handle(context.Background(), store, base, Request{OutputPrefix: "P", File: "360p/playlist.m3u8"})
	require.NoError(err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(err)
	manifest := string(body)

	require.Contains(manifest, base+"/hls/P/360p/segment000.ts")
	require.Contains(manifest, base+"/hls/P/360p/segment001.ts")
	require.Contains(manifest, "#EXTINF:15.000")
	require.Contains(manifest, "#EXT-X-ENDLIST")
	require.Contains(manifest, "#EXT-X-PLAYLIST-TYPE:VOD")
}

func TestSegmentPassThrough(t *testing.T) {
	require := require.New(t)
	segment := []byte("tsdata-tsdata-tsdata")
	store := &fakeStore{objects: map[string][]byte{
		"P/360p/segment000.ts": segment,
	}}

	res, err := Handle(context.Background(), store, base, Request{OutputPrefix: "P", File: "360p/segment000.ts"})
	require.NoError(err)
	defer res.Body.Close()

	require.Equal("video/MP2T", res.ContentType)
	require.NotNil(res.ContentLength)
	require.EqualValues(len(segment), *res.ContentLength)
	require.Empty(res.ContentRange)

	body, err := io.ReadAll(res.Body)
	require.NoError(err)
	require.Equal(segment, body)
}

func TestSegmentRangeRequest(t *testing.T) {
	require := require.New(t)
	segment := []byte("0123456789")
	store := &fakeStore{objects: map[string][]byte{
		"P/360p/segment000.ts": segment,
	}}

	res, err := Handle(context.Background(), store, base, Request{
		OutputPrefix: "P", File: "360p/segment000.ts", Range: "bytes=2-5",
	})
	require.NoError(err)
	defer res.Body.Close()

	require.Equal("bytes 2-5/10", res.ContentRange)
	require.EqualValues(4, *res.ContentLength)
	body, _ := io.ReadAll(res.Body)
	require.Equal("2345", string(body))
}

func TestMissingSegmentIsNotFound(t *testing.T) {
	require := require.New(t)
	store := &fakeStore{objects: map[string][]byte{}}

	_, err := Handle(context.Background(), store, base, Request{OutputPrefix: "P", File: "360p/segment000.ts"})
	require.True(xerrors.IsObjectNotFound(err))
}

func TestParseByteRange(t *testing.T) {
	require := require.New(t)

	tests := []struct {
		in          string
		size        int64
		start, end  int64
		expectError bool
	}{
		{in: "", size: 10, start: -1, end: -1},
		{in: "bytes=0-4", size: 10, start: 0, end: 4},
		{in: "bytes=5-", size: 10, start: 5, end: 9},
		{in: "bytes=-3", size: 10, start: 7, end: 9},
		{in: "bytes=5-100", size: 10, start: 5, end: 9},
		{in: "bytes=5-2", size: 10, expectError: true},
		{in: "0-4", size: 10, expectError: true},
		{in: "bytes=0-1,5-6", size: 10, expectError: true},
	}
	for _, tt := range tests {
		start, end, err := parseByteRange(tt.in, tt.size)
		if tt.expectError {
			require.Error(err, tt.in)
			continue
		}
		require.NoError(err, tt.in)
		require.Equal(tt.start, start, tt.in)
		require.Equal(tt.end, end, tt.in)
	}
}

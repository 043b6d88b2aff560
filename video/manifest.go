package video

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/grafov/m3u8"
)

const MasterManifestFilename = "master.m3u8"

// WriteMasterPlaylist generates `{outputDir}/master.m3u8` listing each
// playlist resolution in ascending bandwidth order, so players start on the
// cheapest variant.
func WriteMasterPlaylist(outputDir string, playlistResolutions []string) error {
	renditions := make([]Rendition, 0, len(playlistResolutions))
	for _, tag := range playlistResolutions {
		r, ok := RenditionByName(tag)
		if !ok {
			return fmt.Errorf("unknown resolution %q in playlist", tag)
		}
		renditions = append(renditions, r)
	}
	sort.Slice(renditions, func(a, b int) bool {
		return renditions[a].Bandwidth() < renditions[b].Bandwidth()
	})

	masterPlaylist := m3u8.NewMasterPlaylist()
	for _, r := range renditions {
		masterPlaylist.Append(
			path.Join(r.Name, "index.m3u8"),
			&m3u8.MediaPlaylist{},
			m3u8.VariantParams{
				Bandwidth:  uint32(r.Bandwidth()),
				Resolution: r.Resolution(),
			},
		)
	}

	return os.WriteFile(filepath.Join(outputDir, MasterManifestFilename), []byte(masterPlaylist.String()), 0644)
}

package metainfo

import "strings"

// Information specific to a single file inside the MetaInfo structure.
type FileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`

	// Offset of the file within the concatenated torrent data. Set by
	// Info.UpvertedFiles, not encoded.
	TorrentOffset int64 `bencode:"-"`
}

func (fi *FileInfo) DisplayPath(info *Info) string {
	if info.IsDir() {
		return strings.Join(fi.Path, "/")
	}
	return info.Name
}

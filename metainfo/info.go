package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// The info dictionary. See BEP 3.
type Info struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      []byte `bencode:"pieces"`
	Name        string `bencode:"name"`
	// Mutually exclusive with Files.
	Length  int64      `bencode:"length,omitempty"`
	Private *bool      `bencode:"private,omitempty"`
	// Mutually exclusive with Length.
	Files []FileInfo `bencode:"files,omitempty"`
}

// This is a helper that sets Files and Pieces from a root path and its
// children.
func (info *Info) BuildFromFilePath(root string) (err error) {
	info.Name = filepath.Base(root)
	info.Files = nil
	err = filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			// Directories are implicit in torrent files.
			return nil
		} else if path == root {
			// The root is a file.
			info.Length = fi.Size()
			return nil
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("error getting relative path: %s", err)
		}
		info.Files = append(info.Files, FileInfo{
			Path:   strings.Split(relPath, string(filepath.Separator)),
			Length: fi.Size(),
		})
		return nil
	})
	if err != nil {
		return
	}
	sort.Slice(info.Files, func(i, j int) bool {
		l, r := info.Files[i], info.Files[j]
		return strings.Join(l.Path, "/") < strings.Join(r.Path, "/")
	})
	err = info.GeneratePieces(func(fi FileInfo) (io.ReadCloser, error) {
		return os.Open(filepath.Join(root, strings.Join(fi.Path, string(filepath.Separator))))
	})
	if err != nil {
		err = fmt.Errorf("error generating pieces: %s", err)
	}
	return
}

// Concatenates all the files in the torrent into w. open is a function that
// gets at the contents of the given file.
func (info *Info) writeFiles(w io.Writer, open func(fi FileInfo) (io.ReadCloser, error)) error {
	for _, fi := range info.UpvertedFiles() {
		r, err := open(fi)
		if err != nil {
			return fmt.Errorf("error opening %v: %s", fi, err)
		}
		wn, err := io.CopyN(w, r, fi.Length)
		r.Close()
		if wn != fi.Length {
			return fmt.Errorf("error copying %v: %s", fi, err)
		}
	}
	return nil
}

// Sets Pieces (the block of piece hashes in the Info) by using the passed
// function to get at the torrent data.
func (info *Info) GeneratePieces(open func(fi FileInfo) (io.ReadCloser, error)) (err error) {
	if info.PieceLength == 0 {
		return errors.New("piece length must be non-zero")
	}
	pr, pw := io.Pipe()
	go func() {
		err := info.writeFiles(pw, open)
		pw.CloseWithError(err)
	}()
	defer pr.Close()
	info.Pieces = nil
	buf := make([]byte, info.PieceLength)
	for {
		n, err := io.ReadFull(pr, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		sum := sha1.Sum(buf[:n])
		info.Pieces = append(info.Pieces, sum[:]...)
		if err == io.ErrUnexpectedEOF {
			break
		}
	}
	return nil
}

func (info *Info) TotalLength() (ret int64) {
	for _, fi := range info.UpvertedFiles() {
		ret += fi.Length
	}
	return
}

func (info *Info) NumPieces() int {
	return len(info.Pieces) / HashSize
}

// Whether the info lists multiple files (placed under the directory
// Info.Name) rather than describing a single file.
func (info *Info) IsDir() bool {
	return len(info.Files) != 0
}

// The files field, converted up from the old single-file in the parent info
// dict if necessary. This is a helper to avoid having to conditionally handle
// single and multi-file torrent infos.
func (info *Info) UpvertedFiles() (files []FileInfo) {
	if len(info.Files) == 0 {
		return []FileInfo{{
			Length: info.Length,
			// Callers should determine that Info.Name is the basename, and
			// thus a regular file.
			Path: nil,
		}}
	}
	var offset int64
	for _, fi := range info.Files {
		fi.TorrentOffset = offset
		offset += fi.Length
		files = append(files, fi)
	}
	return
}

func (info *Info) Piece(index int) Piece {
	return Piece{info, index}
}

// Checks the shape rules for a v1 info dictionary. A nil return means the
// piece geometry and file list are internally consistent.
func (info *Info) Validate() error {
	if info.PieceLength <= 0 {
		return errors.New("piece length must be positive")
	}
	if len(info.Pieces)%HashSize != 0 {
		return errors.New("pieces has invalid length")
	}
	if info.Length != 0 && len(info.Files) != 0 {
		return errors.New("both length and files are present")
	}
	for _, fi := range info.Files {
		if len(fi.Path) == 0 {
			return errors.New("file with empty path")
		}
		for _, c := range fi.Path {
			if c == "" {
				return errors.New("file with empty path component")
			}
		}
		if fi.Length < 0 {
			return errors.New("file with negative length")
		}
	}
	totalLength := info.TotalLength()
	numPieces := int64(info.NumPieces())
	if (totalLength+info.PieceLength-1)/info.PieceLength != numPieces {
		return fmt.Errorf(
			"piece count %v doesn't match total length %v and piece length %v",
			numPieces, totalLength, info.PieceLength)
	}
	return nil
}

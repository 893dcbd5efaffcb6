package metainfo

type Piece struct {
	Info *Info
	i    PieceIndex
}

type PieceIndex = int

func (p Piece) Length() int64 {
	i := p.i
	lastPiece := p.Info.NumPieces() - 1
	switch {
	case 0 <= i && i < lastPiece:
		return p.Info.PieceLength
	case lastPiece >= 0 && i == lastPiece:
		length := p.Info.TotalLength() - int64(i)*p.Info.PieceLength
		if length <= 0 || length > p.Info.PieceLength {
			panic(length)
		}
		return length
	default:
		panic(i)
	}
}

func (p Piece) Offset() int64 {
	return int64(p.i) * p.Info.PieceLength
}

func (p Piece) Hash() (ret Hash) {
	copy(ret[:], p.Info.Pieces[p.i*HashSize:(p.i+1)*HashSize])
	return
}

func (p Piece) Index() int {
	return p.i
}

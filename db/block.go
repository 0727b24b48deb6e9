package db

// Block is a leaf node holding one chunk of stream data.
type Block struct {
	Db *Db
	*WORM
}

func (b Block) New(db *Db, file *WORM) *Block {
	b.Db = db
	b.WORM = file
	return &b
}

func (b *Block) GetPath() *Path {
	return b.Path
}

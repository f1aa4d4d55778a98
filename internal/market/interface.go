package market

// BookSource serves the latest known book of an outcome token.
type BookSource interface {
	GetBook(tokenID string) *Orderbook
}

type Provider interface {
	BookSource
	Subscribe(tokenIDs []string)
	Start()
	Stop()
}

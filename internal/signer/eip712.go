package signer

import (
	"math/big"
	"strings"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Constants for EIP-712
const (
	EIP712DomainName    = "Polymarket CTF Exchange"
	EIP712DomainVersion = "1"

	// Exchange Contract Address on Polygon
	ExchangeContractAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	PolygonChainID          = 137
)

var (
	EIP712DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	OrderTypeHash = crypto.Keccak256Hash([]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))
)

const (
	SideBuy  uint8 = 0
	SideSell uint8 = 1
)

// Order is the exchange order struct as it is hashed on chain
type Order struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8
	SignatureType uint8
}

// FromSDK converts an SDK order built by the CLOB order builder.
func FromSDK(o *clobtypes.Order) *Order {
	side := SideBuy
	if strings.ToUpper(o.Side) == "SELL" {
		side = SideSell
	}

	sigType := uint8(0)
	if o.SignatureType != nil {
		sigType = uint8(*o.SignatureType)
	}

	return &Order{
		Salt:          o.Salt.Int,
		Maker:         o.Maker,
		Signer:        o.Signer,
		Taker:         o.Taker,
		TokenID:       o.TokenID.Int,
		MakerAmount:   o.MakerAmount.BigInt(),
		TakerAmount:   o.TakerAmount.BigInt(),
		Expiration:    o.Expiration.Int,
		Nonce:         o.Nonce.Int,
		FeeRateBps:    o.FeeRateBps.BigInt(),
		Side:          side,
		SignatureType: sigType,
	}
}

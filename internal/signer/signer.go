package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs exchange orders with a hot key. The domain separator is computed once.
type Signer struct {
	key             *ecdsa.PrivateKey
	address         common.Address
	chainID         *big.Int
	domainSeparator common.Hash
}

func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	publicKeyECDSA, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("error casting public key to ECDSA")
	}

	return &Signer{
		key:             key,
		address:         crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:         big.NewInt(chainID),
		domainSeparator: DomainSeparator(chainID),
	}, nil
}

// DomainSeparator = keccak256(abi.encode(typeHash, name, version, chainId, verifyingContract))
func DomainSeparator(chainID int64) common.Hash {
	data := make([]byte, 32*5)
	copy(data[0:32], EIP712DomainTypeHash.Bytes())
	copy(data[32:64], crypto.Keccak256([]byte(EIP712DomainName)))
	copy(data[64:96], crypto.Keccak256([]byte(EIP712DomainVersion)))
	copy(data[96:128], math.U256Bytes(big.NewInt(chainID)))
	verifying := common.HexToAddress(ExchangeContractAddress)
	copy(data[128+12:160], verifying.Bytes())
	return crypto.Keccak256Hash(data)
}

// Digest is keccak256("\x19\x01" || domainSeparator || hashStruct(order)).
func (s *Signer) Digest(order *Order) []byte {
	return digest(s.domainSeparator, order)
}

func digest(domain common.Hash, order *Order) []byte {
	return crypto.Keccak256([]byte{0x19, 0x01}, domain.Bytes(), hashOrder(order))
}

// SignOrder returns the 65 byte signature as 0x-hex with V in {27,28}.
func (s *Signer) SignOrder(order *Order) (string, error) {
	signature, err := crypto.Sign(s.Digest(order), s.key)
	if err != nil {
		return "", err
	}
	if signature[64] < 27 {
		signature[64] += 27
	}
	return hexutil.Encode(signature), nil
}

// Recover returns the address that produced sig over order on chainID.
func Recover(order *Order, sig string, chainID int64) (common.Address, error) {
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(raw))
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := crypto.SigToPub(digest(DomainSeparator(chainID), order), raw)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// hashOrder = keccak256(abi.encode(typeHash, salt, maker, ...)), every field one 32 byte word
func hashOrder(order *Order) []byte {
	data := make([]byte, 32*13)
	copy(data[0:32], OrderTypeHash.Bytes())

	putUint := func(word int, v *big.Int) {
		if v != nil {
			copy(data[word*32:(word+1)*32], math.U256Bytes(new(big.Int).Set(v)))
		}
	}
	putAddr := func(word int, a common.Address) {
		copy(data[word*32+12:(word+1)*32], a.Bytes())
	}

	putUint(1, order.Salt)
	putAddr(2, order.Maker)
	putAddr(3, order.Signer)
	putAddr(4, order.Taker)
	putUint(5, order.TokenID)
	putUint(6, order.MakerAmount)
	putUint(7, order.TakerAmount)
	putUint(8, order.Expiration)
	putUint(9, order.Nonce)
	putUint(10, order.FeeRateBps)
	putUint(11, big.NewInt(int64(order.Side)))
	putUint(12, big.NewInt(int64(order.SignatureType)))

	return crypto.Keccak256(data)
}

func (s *Signer) Address() common.Address {
	return s.address
}

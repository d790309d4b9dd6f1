package engine

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer turns an intent into a raw transaction ready for
// eth_sendRawTransaction.
type Signer interface {
	Address() common.Address
	SignIntent(intent *TxIntent) (raw hexutil.Bytes, hash common.Hash, err error)
}

// LocalSigner signs with an in-process private key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
	chainID *big.Int
}

func NewLocalSigner(hexKey string, chainID *big.Int) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, err
	}
	return &LocalSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
		chainID: chainID,
	}, nil
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignIntent(intent *TxIntent) (hexutil.Bytes, common.Hash, error) {
	value := new(big.Int)
	if intent.Value != nil {
		value = intent.Value.ToInt()
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     intent.Nonce,
		GasTipCap: intent.GasTipCap.ToInt(),
		GasFeeCap: intent.GasFeeCap.ToInt(),
		Gas:       intent.Gas,
		To:        &intent.To,
		Value:     value,
		Data:      intent.Data,
	})
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, common.Hash{}, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, common.Hash{}, err
	}
	return raw, signed.Hash(), nil
}

package swap

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

const signatureLen = ed25519.SignatureSize

// Signer 持有钱包密钥，对路由返回的交易签名。
type Signer struct {
	key ed25519.PrivateKey
	pub string
}

// NewSigner 从 base58 编码的 64 字节私钥（Solana keypair 格式）创建签名器。
func NewSigner(secret string) (*Signer, error) {
	raw := base58.Decode(secret)
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("swap: 私钥长度无效: %d", len(raw))
	}
	key := ed25519.PrivateKey(raw)
	derived := ed25519.NewKeyFromSeed(key.Seed())
	if !derived.Equal(key) {
		return nil, errors.New("swap: 私钥与公钥不匹配")
	}
	return &Signer{
		key: key,
		pub: base58.Encode(key.Public().(ed25519.PublicKey)),
	}, nil
}

// PublicKey 返回钱包地址。
func (s *Signer) PublicKey() string {
	return s.pub
}

// Sign 签名交易消息并写入第一个签名槽，返回已签名交易与交易签名（base58）。
func (s *Signer) Sign(tx []byte) ([]byte, string, error) {
	count, n, err := decodeCompactU16(tx)
	if err != nil {
		return nil, "", err
	}
	if count == 0 {
		return nil, "", errors.New("swap: 交易不含签名槽")
	}
	msgStart := n + count*signatureLen
	if len(tx) <= msgStart {
		return nil, "", errors.New("swap: 交易过短")
	}

	signed := make([]byte, len(tx))
	copy(signed, tx)
	sig := ed25519.Sign(s.key, signed[msgStart:])
	copy(signed[n:n+signatureLen], sig)
	return signed, base58.Encode(sig), nil
}

// decodeCompactU16 解析 Solana 的 compact-u16 长度前缀。
func decodeCompactU16(b []byte) (int, int, error) {
	var v int
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("swap: compact-u16 被截断")
		}
		v |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("swap: compact-u16 超长")
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty")
	}
	return base64.StdEncoding.DecodeString(s)
}

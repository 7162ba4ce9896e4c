package auth

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"io"
	"net/http"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"tokenex.com/pkg/common"
	"tokenex.com/pkg/xerr"
)

const (
	HeaderAccount   = "X-Account"
	HeaderSignature = "X-Signature"

	ctxKeyAccount = "account"
	domainTag     = "tokenex"
	maxBody       = 1 << 20
)

type Config struct {
	VerifySignature bool `mapstructure:"verify_signature"`
}

var (
	ErrNoAccount    = xerr.New(xerr.Unauthorized, "missing or malformed X-Account")
	ErrBadSignature = xerr.New(xerr.Unauthorized, "bad signature")
)

// Digest keccak256("tokenex" | method | path | requestId | body)
func Digest(method, path, requestID string, body []byte) []byte {
	return crypto.Keccak256([]byte(domainTag), []byte(method), []byte(path), []byte(requestID), body)
}

// Sign 客户端和测试用
func Sign(key *ecdsa.PrivateKey, method, path, requestID string, body []byte) (string, error) {
	sig, err := crypto.Sign(Digest(method, path, requestID, body), key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// Recover 从签名恢复地址，V 接受 0/1 和 27/28
func Recover(digest []byte, sigHex string) (gethcommon.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return gethcommon.Address{}, ErrBadSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return gethcommon.Address{}, ErrBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Required 需要调用方身份的路由才挂这个中间件
func Required(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := identify(c, cfg)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(ctxKeyAccount, account)
		c.Next()
	}
}

// Optional 没带 X-Account 按匿名放行；带了就和 Required 一样校验
func Optional(cfg Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(HeaderAccount) == "" {
			c.Next()
			return
		}
		account, err := identify(c, cfg)
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(ctxKeyAccount, account)
		c.Next()
	}
}

func identify(c *gin.Context, cfg Config) (gethcommon.Address, error) {
	raw := c.GetHeader(HeaderAccount)
	if !gethcommon.IsHexAddress(raw) {
		return gethcommon.Address{}, ErrNoAccount
	}
	account := gethcommon.HexToAddress(raw)
	if !cfg.VerifySignature {
		return account, nil
	}
	body, err := readBody(c)
	if err != nil {
		return gethcommon.Address{}, xerr.Wrap(xerr.RequestParamsError, err)
	}
	digest := Digest(c.Request.Method, c.Request.URL.Path, common.RequestIDFromGin(c), body)
	signer, err := Recover(digest, c.GetHeader(HeaderSignature))
	if err != nil {
		return gethcommon.Address{}, err
	}
	if signer != account {
		return gethcommon.Address{}, ErrBadSignature
	}
	return account, nil
}

// Account 取 Required 放进去的调用方地址
func Account(c *gin.Context) (gethcommon.Address, bool) {
	v, ok := c.Get(ctxKeyAccount)
	if !ok {
		return gethcommon.Address{}, false
	}
	a, ok := v.(gethcommon.Address)
	return a, ok
}

// readBody 读完再放回去，后面的 binding 还要用
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBody {
		return nil, errors.New("request body too large")
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func abort(c *gin.Context, err error) {
	common.FailErr(c, err)
	c.Abort()
}

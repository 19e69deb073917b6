package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// EthConfig describes how to construct an EVM compatible wallet.
type EthConfig struct {
	Name          string
	RPCURL        string
	ChainID       int64
	Asset         string
	PrivateKeyHex string
	// Payees 将工具端点的主机名映射到收款地址。
	Payees map[string]string
}

// txBackend mirrors the subset of ethclient methods the wallet needs.
// 测试通过实现该接口替换真实节点。
type txBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// EthWallet 通过以太坊节点向工具端点的收款地址转账。
type EthWallet struct {
	name      string
	asset     string
	chainID   *big.Int
	key       *ecdsa.PrivateKey
	from      common.Address
	payees    map[string]common.Address
	backend   txBackend
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

var _ Wallet = (*EthWallet)(nil)

// NewEthWallet dials the configured RPC endpoint and returns a ready-to-use wallet.
func NewEthWallet(ctx context.Context, cfg EthConfig) (*EthWallet, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("未配置链 ID")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析钱包私钥失败: %w", err)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	wallet := &EthWallet{
		name:      cfg.Name,
		asset:     strings.TrimSpace(cfg.Asset),
		chainID:   big.NewInt(cfg.ChainID),
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		payees:    make(map[string]common.Address, len(cfg.Payees)),
		backend:   eth,
		rpcClient: rpcClient,
		eth:       eth,
	}
	for host, addr := range cfg.Payees {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("收款地址非法: %s=%s", host, addr)
		}
		wallet.payees[strings.ToLower(strings.TrimSpace(host))] = common.HexToAddress(addr)
	}
	return wallet, nil
}

// newEthWalletWithBackend 供测试注入假的交易后端。
func newEthWalletWithBackend(cfg EthConfig, backend txBackend) (*EthWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析钱包私钥失败: %w", err)
	}
	wallet := &EthWallet{
		name:    cfg.Name,
		asset:   strings.TrimSpace(cfg.Asset),
		chainID: big.NewInt(cfg.ChainID),
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		payees:  make(map[string]common.Address, len(cfg.Payees)),
		backend: backend,
	}
	for host, addr := range cfg.Payees {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("收款地址非法: %s=%s", host, addr)
		}
		wallet.payees[strings.ToLower(strings.TrimSpace(host))] = common.HexToAddress(addr)
	}
	return wallet, nil
}

// Pay 向 endpoint 对应的收款地址发送一笔转账并返回凭证。
func (w *EthWallet) Pay(ctx context.Context, endpoint string, amount *big.Int) (*Receipt, error) {
	if w == nil || w.backend == nil {
		return nil, errors.New("未初始化的以太坊钱包")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("支付金额必须为正数")
	}

	to, err := w.resolvePayee(endpoint)
	if err != nil {
		return nil, err
	}

	// 串行化 nonce 分配, 避免并发支付互相覆盖。
	w.mu.Lock()
	defer w.mu.Unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, w.from)
	if err != nil {
		return nil, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	tx := coretypes.NewTransaction(nonce, to, amount, 21000, gasPrice, nil)
	signed, err := coretypes.SignTx(tx, coretypes.NewEIP155Signer(w.chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("发送交易失败: %w", err)
	}

	return &Receipt{
		TxHash:       signed.Hash().Hex(),
		Asset:        w.asset,
		Network:      w.name,
		AmountAtomic: amount.String(),
		PaidAt:       time.Now().Unix(),
	}, nil
}

// Close releases network connections held by the wallet.
func (w *EthWallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.eth != nil {
		w.eth.Close()
		w.eth = nil
	}
	if w.rpcClient != nil {
		w.rpcClient.Close()
		w.rpcClient = nil
	}
	w.backend = nil
}

func (w *EthWallet) resolvePayee(endpoint string) (common.Address, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || parsed.Hostname() == "" {
		return common.Address{}, fmt.Errorf("无法解析支付端点: %s", endpoint)
	}
	host := strings.ToLower(parsed.Hostname())
	if addr, ok := w.payees[host]; ok {
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("端点未登记收款地址: %s", host)
}

// Package ethereum 提供 chain 接口的 EVM 实现。
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"AgentVault/internal/chain"
	xerrors "AgentVault/internal/errors"
)

// 原生币按 18 位小数换算。
const nativeDecimals = 18

// Config 描述以太坊客户端的构建参数。
type Config struct {
	RPCURL string
	// Asset 是原生币在账本中的资产名。
	Asset string
	// PrivateKeyHex 为托管热钱包私钥，仅执行转账时需要。
	PrivateKeyHex string
	// ReceiptTimeout 是等待交易打包的上限。
	ReceiptTimeout time.Duration
}

// Client 基于 go-ethereum 实现 chain.Executor / Verifier / DepositSource。
type Client struct {
	rpcClient      *gethrpc.Client
	eth            *ethclient.Client
	chainID        *big.Int
	asset          string
	key            *ecdsa.PrivateKey
	from           common.Address
	receiptTimeout time.Duration
}

// NewClient 连接节点并返回就绪的客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "获取链 ID 失败")
	}

	client := &Client{
		rpcClient:      rpcClient,
		eth:            eth,
		chainID:        chainID,
		asset:          strings.TrimSpace(cfg.Asset),
		receiptTimeout: cfg.ReceiptTimeout,
	}
	if client.asset == "" {
		client.asset = "ETH"
	}
	if client.receiptTimeout <= 0 {
		client.receiptTimeout = 2 * time.Minute
	}

	if keyHex := strings.TrimSpace(strings.TrimPrefix(cfg.PrivateKeyHex, "0x")); keyHex != "" {
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析热钱包私钥失败")
		}
		client.key = key
		client.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return client, nil
}

// Close 释放网络连接。
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Transfer 广播一笔原生币转账并等待回执。
func (c *Client) Transfer(ctx context.Context, req chain.TransferRequest) (*chain.Receipt, error) {
	if c.key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "客户端未配置热钱包私钥，无法执行转账")
	}
	if !common.IsHexAddress(req.To) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "目标地址不是合法的以太坊地址")
	}
	if !req.Amount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须大于零")
	}

	to := common.HexToAddress(req.To)
	value := toWei(req.Amount)

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "查询热钱包 nonce 失败")
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "查询 gas 价格失败")
	}

	const gasLimit = 21000
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "签名交易失败")
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "广播交易失败")
	}

	receipt, err := c.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, chain.ErrTxFailed
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), gasPrice)
	return &chain.Receipt{
		TxHash:      signed.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Fee:         fromWei(fee),
	}, nil
}

// VerifyDeposit 按交易哈希核验入金。
func (c *Client) VerifyDeposit(ctx context.Context, txRef string) (*chain.DepositProof, error) {
	hash := common.HexToHash(txRef)
	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, chain.ErrTxNotFound
	}
	if pending {
		return &chain.DepositProof{TxHash: txRef, Confirmed: false}, nil
	}

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, chain.ErrTxNotFound
	}
	if tx.To() == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "入金交易必须是普通转账")
	}

	return &chain.DepositProof{
		TxHash:      txRef,
		To:          tx.To().Hex(),
		Amount:      fromWei(tx.Value()),
		Asset:       c.asset,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Confirmed:   receipt.Status == types.ReceiptStatusSuccessful,
	}, nil
}

// Transfers 扫描 (sinceBlock, head] 区间转入指定地址的原生币交易。
// address 为空串时不按收款方过滤，返回区间内所有带金额的转账。
func (c *Client) Transfers(ctx context.Context, address string, sinceBlock uint64) ([]chain.IncomingTransfer, uint64, error) {
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, sinceBlock, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "获取最新区块高度失败")
	}
	if head <= sinceBlock {
		return nil, sinceBlock, nil
	}

	filtered := address != ""
	target := common.HexToAddress(address)
	signer := types.LatestSignerForChainID(c.chainID)
	incoming := make([]chain.IncomingTransfer, 0)

	for number := sinceBlock + 1; number <= head; number++ {
		block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return nil, sinceBlock, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "获取区块失败")
		}
		for _, tx := range block.Transactions() {
			if !matchesIncoming(tx.To(), tx.Value(), filtered, target) {
				continue
			}
			from, err := types.Sender(signer, tx)
			if err != nil {
				continue
			}
			incoming = append(incoming, chain.IncomingTransfer{
				TxHash:      tx.Hash().Hex(),
				From:        from.Hex(),
				To:          tx.To().Hex(),
				Amount:      fromWei(tx.Value()),
				Asset:       c.asset,
				BlockNumber: number,
			})
		}
	}
	return incoming, head, nil
}

// matchesIncoming 判断一笔交易是否属于要上账的转入：
// 必须有收款方和正数金额；filtered 时还要求收款方等于 target。
func matchesIncoming(to *common.Address, value *big.Int, filtered bool, target common.Address) bool {
	if to == nil || value == nil || value.Sign() <= 0 {
		return false
	}
	if filtered && *to != target {
		return false
	}
	return true
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(c.receiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易回执被取消")
		case <-deadline.C:
			return nil, xerrors.New(xerrors.CodeTimeout, "等待交易回执超时", xerrors.WithRetryable(true))
		case <-ticker.C:
		}
	}
}

func toWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(nativeDecimals).BigInt()
}

func fromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -nativeDecimals)
}

var (
	_ chain.Executor      = (*Client)(nil)
	_ chain.Verifier      = (*Client)(nil)
	_ chain.DepositSource = (*Client)(nil)
)

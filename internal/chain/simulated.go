package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Simulated 是进程内的链模拟器，供测试和开发环境使用。
// 它记录所有 Transfer 调用，并允许测试预置入金交易。
type Simulated struct {
	mu        sync.Mutex
	fee       decimal.Decimal
	failNext  error
	block     uint64
	transfers []TransferRequest
	deposits  map[string]*DepositProof
	incoming  []IncomingTransfer
}

// NewSimulated 创建一个零手续费的链模拟器。
func NewSimulated() *Simulated {
	return &Simulated{
		fee:      decimal.Zero,
		block:    1,
		deposits: make(map[string]*DepositProof),
	}
}

// SetFee 设置后续转账的固定手续费。
func (s *Simulated) SetFee(fee decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fee = fee
}

// FailNext 让下一次 Transfer 返回给定错误。
func (s *Simulated) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Transfer 记录转账并返回伪造回执。
func (s *Simulated) Transfer(_ context.Context, req TransferRequest) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}
	s.block++
	s.transfers = append(s.transfers, req)
	return &Receipt{
		TxHash:      fmt.Sprintf("0xsim-%s", uuid.NewString()),
		BlockNumber: s.block,
		Fee:         s.fee,
	}, nil
}

// TransferLog 返回已执行的转账记录。
func (s *Simulated) TransferLog() []TransferRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransferRequest, len(s.transfers))
	copy(out, s.transfers)
	return out
}

// AddDeposit 预置一笔可被核验的入金交易。
func (s *Simulated) AddDeposit(proof DepositProof) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits[proof.TxHash] = &proof
	if proof.Confirmed {
		s.incoming = append(s.incoming, IncomingTransfer{
			TxHash:      proof.TxHash,
			To:          proof.To,
			Amount:      proof.Amount,
			Asset:       proof.Asset,
			BlockNumber: proof.BlockNumber,
		})
		if proof.BlockNumber > s.block {
			s.block = proof.BlockNumber
		}
	}
}

// VerifyDeposit 查找预置入金。
func (s *Simulated) VerifyDeposit(_ context.Context, txRef string) (*DepositProof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proof, ok := s.deposits[txRef]
	if !ok {
		return nil, ErrTxNotFound
	}
	if !proof.Confirmed {
		return nil, ErrTxFailed
	}
	clone := *proof
	return &clone, nil
}

// Transfers 返回 sinceBlock 之后转入指定地址的入金。
func (s *Simulated) Transfers(_ context.Context, address string, sinceBlock uint64) ([]IncomingTransfer, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]IncomingTransfer, 0)
	for _, transfer := range s.incoming {
		if transfer.BlockNumber > sinceBlock && (address == "" || transfer.To == address) {
			matched = append(matched, transfer)
		}
	}
	return matched, s.block, nil
}

var (
	_ Executor      = (*Simulated)(nil)
	_ Verifier      = (*Simulated)(nil)
	_ DepositSource = (*Simulated)(nil)
)

package rails

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// SimulatedAdapter settles instantly in memory. Used when chain_mode is
// simulated, and by tests that need a full Adapter without RPC.
type SimulatedAdapter struct {
	chain string

	mu       sync.Mutex
	balances map[string]int64 // address:token -> amount
	receipts map[string]*Receipt
	block    uint64
}

// NewSimulatedAdapter seeds the given balances (address:token -> amount).
func NewSimulatedAdapter(chain string, balances map[string]int64) *SimulatedAdapter {
	b := make(map[string]int64, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &SimulatedAdapter{
		chain:    chain,
		balances: b,
		receipts: make(map[string]*Receipt),
		block:    1,
	}
}

func (a *SimulatedAdapter) ProviderName() string { return "simulated" }
func (a *SimulatedAdapter) Rail() string         { return a.chain }

func balanceKey(address, token string) string { return address + ":" + token }

// Credit adds funds to an address, for test setup.
func (a *SimulatedAdapter) Credit(address, token string, amountMinor int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[balanceKey(address, token)] += amountMinor
}

func (a *SimulatedAdapter) Submit(_ context.Context, req TransactionRequest) (SubmittedTx, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	from := balanceKey(req.FromAddress, req.Token)
	if a.balances[from] < req.AmountMinor {
		return SubmittedTx{}, fmt.Errorf("simulated: insufficient balance on %s", req.FromAddress)
	}
	a.balances[from] -= req.AmountMinor
	a.balances[balanceKey(req.ToAddress, req.Token)] += req.AmountMinor

	raw := make([]byte, 32)
	rand.Read(raw)
	txHash := "0xsim" + hex.EncodeToString(raw)

	a.block++
	a.receipts[txHash] = &Receipt{
		TxHash:      txHash,
		Chain:       a.chain,
		Status:      ReceiptConfirmed,
		BlockNumber: a.block,
		GasUsed:     21000,
	}
	return SubmittedTx{TxHash: txHash, Chain: a.chain}, nil
}

func (a *SimulatedAdapter) GetReceipt(_ context.Context, txHash string) (*Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.receipts[txHash], nil
}

func (a *SimulatedAdapter) Estimate(context.Context, TransactionRequest) (GasEstimate, error) {
	return GasEstimate{GasLimit: 21000, FeeMinor: 0, FeeSymbol: "sim"}, nil
}

func (a *SimulatedAdapter) Balance(_ context.Context, address, token string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[balanceKey(address, token)], nil
}

// Command examples spins up an in-memory AgentVault stack behind httptest
// and walks the SDK through a deposit, a task run and an approval decision.
package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/shopspring/decimal"

	"AgentVault/internal/api"
	"AgentVault/internal/approval"
	"AgentVault/internal/chain"
	"AgentVault/internal/ledger"
	"AgentVault/internal/task"
	"AgentVault/internal/wallet"
	agentvault "AgentVault/sdk/go/agentvault"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ledgerStore := ledger.NewMemoryStore()
	sim := chain.NewSimulated()
	walletSvc := wallet.NewService(ledgerStore, sim, sim)
	gate := approval.NewGate(approval.NewMemoryStore())
	vault := approval.NewVault(ledgerStore)
	taskStore := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	taskSvc := task.NewService(taskStore, queue)
	runner := task.NewRunner(walletSvc, gate, vault, taskStore, task.NewActions(sim))
	processor := task.NewProcessor(runner, taskStore, queue)
	go func() { _ = processor.Start(ctx) }()

	srv := httptest.NewServer(api.NewServer(":0", walletSvc, gate, taskSvc).Handler())
	defer srv.Close()

	client := agentvault.NewClient(srv.URL, "demo-user", srv.Client())

	sim.AddDeposit(chain.DepositProof{
		TxHash: "0xdemo", Amount: decimal.NewFromInt(500), Asset: "ETH",
		BlockNumber: 1, Confirmed: true,
	})
	entry, err := client.ConfirmDeposit(ctx, agentvault.DepositConfirmation{
		TxRef: "0xdemo", Amount: decimal.NewFromInt(500),
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("credited %s ETH (entry %s)\n", entry.Amount, entry.ID)

	created, err := client.SubmitTask(ctx, agentvault.TaskSubmission{
		Goal: "pay the oracle",
		Steps: []agentvault.Step{
			{Type: "TRANSFER", Params: map[string]any{
				"amount":      "42",
				"destination": "0xOracle",
			}},
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (status=%s)\n", created.ID, created.Status)

	final := waitForTerminal(ctx, client, created.ID)
	fmt.Printf("task %s finished with status %s\n", final.ID, final.Status)

	balance, err := client.Balance(ctx, "ETH")
	if err != nil {
		panic(err)
	}
	fmt.Printf("available=%s reserved=%s\n", balance.Available, balance.Reserved)
}

func waitForTerminal(ctx context.Context, client *agentvault.Client, taskID string) agentvault.Task {
	for {
		found, err := client.GetTask(ctx, taskID)
		if err != nil {
			panic(err)
		}
		switch found.Status {
		case "COMPLETED", "FAILED", "PENDING_APPROVAL":
			return found
		}
		select {
		case <-ctx.Done():
			panic("task did not settle in time")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

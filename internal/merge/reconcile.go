package merge

import "github.com/finchley/finch/internal/model"

// Reconcile recomputes derived fields after a merge has produced the
// final record set. It replaces the ad hoc cross-store lookups the UI
// layer performs during normal edits with one explicit pass in a defined
// dependency order: account balances first (they depend on transactions),
// then goal progress (it depends on account balances). The merge itself
// stays a pure function over snapshots.
func Reconcile(ds *model.Dataset) {
	reconcileBalances(ds)
	reconcileGoals(ds)
}

func reconcileBalances(ds *model.Dataset) {
	sums := make(map[string]int, len(ds.Accounts))
	for i := range ds.Accounts {
		sums[ds.Accounts[i].ID] = i
		ds.Accounts[i].Balance = ds.Accounts[i].OpeningBalance
	}
	for _, tx := range ds.Transactions {
		i, ok := sums[tx.AccountID]
		if !ok {
			// Dangling accountId: a UI concern, not a sync invariant.
			continue
		}
		ds.Accounts[i].Balance = ds.Accounts[i].Balance.Add(tx.Amount)
	}
}

func reconcileGoals(ds *model.Dataset) {
	balances := make(map[string]int, len(ds.Accounts))
	for i := range ds.Accounts {
		balances[ds.Accounts[i].ID] = i
	}
	for i := range ds.Goals {
		if ds.Goals[i].AccountID == "" {
			continue
		}
		if j, ok := balances[ds.Goals[i].AccountID]; ok {
			ds.Goals[i].Saved = ds.Accounts[j].Balance
		}
	}
}

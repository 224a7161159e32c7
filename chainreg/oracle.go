// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package chainreg

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceOracle adapts EthereumClient into access.BalanceOracle. It is
// declared structurally (CanSpend/RecordSpend) rather than importing
// crypto/access, so this package never needs to know about access
// conditions, only about Ethereum balances — the same separation the
// Client interface in client.go already draws between registry concerns and
// transport.
//
// On-chain payment contract internals are explicitly out of scope, so
// CanSpend checks the account's native balance as a stand-in for a
// contract-held balance, and RecordSpend only updates an in-memory
// ledger rather than submitting a debit transaction.
type BalanceOracle struct {
	client *EthereumClient

	mu    sync.Mutex
	spent map[string]uint64 // contractID|userID -> wei spent this session
}

// NewBalanceOracle wraps client for use as an access.BalanceOracle.
func NewBalanceOracle(client *EthereumClient) *BalanceOracle {
	return &BalanceOracle{client: client, spent: make(map[string]uint64)}
}

// CanSpend reports whether userID's on-chain balance, net of spend
// already recorded this session, covers minAmount wei.
func (o *BalanceOracle) CanSpend(contractID, userID string, minAmount uint64) (bool, error) {
	if !common.IsHexAddress(userID) {
		return false, fmt.Errorf("chainreg: %q is not a hex address", userID)
	}
	balance, err := o.client.BalanceAt(context.Background(), common.HexToAddress(userID))
	if err != nil {
		return false, fmt.Errorf("chainreg: querying balance: %w", err)
	}

	o.mu.Lock()
	already := o.spent[spendKey(contractID, userID)]
	o.mu.Unlock()

	remaining := new(big.Int).Sub(balance, new(big.Int).SetUint64(already))
	return remaining.Cmp(new(big.Int).SetUint64(minAmount)) >= 0, nil
}

// RecordSpend adds amount to the in-memory spend ledger for
// contractID/userID, so subsequent CanSpend calls this session see a
// reduced remaining balance even before any real settlement lands
// on-chain.
func (o *BalanceOracle) RecordSpend(contractID, userID string, amount uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spent[spendKey(contractID, userID)] += amount
	return nil
}

func spendKey(contractID, userID string) string {
	return contractID + "|" + userID
}
